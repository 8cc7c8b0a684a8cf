package assess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the model-backed assessor.
type OpenAIConfig struct {
	// Model is the chat model. Default: gpt-4o-mini.
	Model string `yaml:"model"`
	// MaxSnapshotChars truncates each text snapshot in the prompt.
	// Default: 8000.
	MaxSnapshotChars int `yaml:"max_snapshot_chars"`

	Logger *slog.Logger
}

func (c *OpenAIConfig) defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxSnapshotChars <= 0 {
		c.MaxSnapshotChars = 8000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// OpenAIAssessor implements Assessor on a chat-completions API.
type OpenAIAssessor struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIAssessor creates an OpenAIAssessor on an existing client.
func NewOpenAIAssessor(client *openai.Client, cfg OpenAIConfig) *OpenAIAssessor {
	cfg.defaults()
	return &OpenAIAssessor{client: client, cfg: cfg}
}

const assessSystemPrompt = `You assess how a web page change CORRELATES with business metrics over a time window. You never claim causation: many things move metrics besides page changes (seasonality, marketing, pricing elsewhere, news). Words like "caused", "resulted in", "led to", "proves" must not appear in your reasoning; describe what moved alongside the change.

Given the change description, before/after page text, metric movements, and any earlier assessments of the same change, respond with ONLY this JSON, no prose:
{"assessment":"improved|regressed|neutral|inconclusive","confidence":0.0,"reasoning":"..."}

- "improved"/"regressed": metrics moved meaningfully in that direction alongside the change.
- "neutral": metrics were flat.
- "inconclusive": evidence is missing or contradictory.
- confidence is between 0 and 1. With little or conflicting data, keep it low.
- If operator feedback on past assessments is provided, use it to calibrate tone and thresholds only; it never overrides the evidence in front of you.`

// Assess implements Assessor.
func (a *OpenAIAssessor) Assess(ctx context.Context, in Input) (*Result, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: assessSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: a.buildPrompt(in)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("assess: api call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	capConfidence(result, in.Deltas)

	a.cfg.Logger.Debug("assess: verdict",
		"url", in.PageURL, "horizon_days", in.HorizonDays,
		"verdict", result.Verdict, "confidence", result.Confidence)
	return result, nil
}

func (a *OpenAIAssessor) buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Page: %s\nHorizon: %d days after the change was first seen.\n", in.PageURL, in.HorizonDays)
	fmt.Fprintf(&b, "Change: %s\n", in.ChangeSummary)
	if in.ChangeBefore != "" || in.ChangeAfter != "" {
		fmt.Fprintf(&b, "Element before: %s\nElement after: %s\n", in.ChangeBefore, in.ChangeAfter)
	}
	if in.Hypothesis != "" {
		fmt.Fprintf(&b, "Operator hypothesis: %s\n", in.Hypothesis)
	}

	b.WriteString("\nMetric movements over the window:\n")
	if len(in.Deltas) == 0 {
		b.WriteString("(none available)\n")
	}
	for _, d := range in.Deltas {
		fmt.Fprintf(&b, "- %s (%s): %.0f -> %.0f (%+.2f%%)\n",
			d.Name, d.Source, d.Before, d.After, d.ChangePercent)
	}

	if len(in.PriorReasonings) > 0 {
		b.WriteString("\nEarlier assessments of this change, oldest first:\n")
		for _, r := range in.PriorReasonings {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	if len(in.Feedback) > 0 {
		b.WriteString("\nOperator feedback on past assessments (calibration only):\n")
		for _, f := range in.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	fmt.Fprintf(&b, "\nPage text BEFORE the change:\n%s\n", truncate(in.BeforeText, a.cfg.MaxSnapshotChars))
	fmt.Fprintf(&b, "\nPage text AFTER the change:\n%s\n", truncate(in.AfterText, a.cfg.MaxSnapshotChars))
	return b.String()
}

// parseResult decodes and validates one model response.
func parseResult(raw string) (*Result, error) {
	raw = stripFences(raw)

	var r Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !r.Verdict.Valid() {
		return nil, fmt.Errorf("%w: unknown verdict %q", ErrMalformedResponse, r.Verdict)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrMalformedResponse, r.Confidence)
	}
	if phrase, found := containsCausalLanguage(r.Reasoning); found {
		return nil, fmt.Errorf("%w: causal phrasing %q in reasoning", ErrMalformedResponse, phrase)
	}
	return &r, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
