package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/hazyhaar/regard/capture"
)

// OpenAIConfig configures the vision differ.
type OpenAIConfig struct {
	// Model must be multimodal. Default: gpt-4o.
	Model string `yaml:"model"`
	// MaxImageHeight caps screenshot height in pixels before upload.
	// Default: 4000.
	MaxImageHeight int `yaml:"max_image_height"`

	Logger *slog.Logger
}

func (c *OpenAIConfig) defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.MaxImageHeight <= 0 {
		c.MaxImageHeight = 4000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// OpenAIDiffer implements Differ on a multimodal chat-completions API.
type OpenAIDiffer struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIDiffer creates an OpenAIDiffer on an existing client.
func NewOpenAIDiffer(client *openai.Client, cfg OpenAIConfig) *OpenAIDiffer {
	cfg.defaults()
	return &OpenAIDiffer{client: client, cfg: cfg}
}

const diffSystemPrompt = `You compare two screenshots of the same web page: BEFORE and AFTER.
Report every intentional content or design change you observe.

Rules:
- Ignore capture artifacts: cookie banners, rotating carousels, ads, timestamps, loading spinners, font rendering differences.
- Group your findings: a change touching 1-3 individual elements has scope "element"; a cluster of related changes within one region has scope "section"; a redesign touching most of the page has scope "page".
- For every finding, "before" describes the affected element as it appears in the BEFORE screenshot and "after" as it appears in the AFTER screenshot.
- A list of currently tracked open changes may be provided, each with its id and its recorded before/after state. If an observation is the SAME ongoing change as one of them, set matched_change_id to that candidate's id. Only use ids from the provided list. If unsure, leave matched_change_id empty.
- confidence is your certainty in the observation itself, between 0 and 1.

Respond with ONLY this JSON, no prose:
{"proposals":[{"scope":"element|section|page","summary":"...","description":"...","before":"...","after":"...","matched_change_id":"","confidence":0.0,"rationale":"..."}]}

If the page is visually unchanged respond {"proposals":[]}.`

// Diff implements Differ.
func (d *OpenAIDiffer) Diff(ctx context.Context, in Input) ([]Proposal, error) {
	before, err := capture.DownscalePNG(in.BeforePNG, d.cfg.MaxImageHeight)
	if err != nil {
		return nil, fmt.Errorf("vision: before image: %w", err)
	}
	after, err := capture.DownscalePNG(in.AfterPNG, d.cfg.MaxImageHeight)
	if err != nil {
		return nil, fmt.Errorf("vision: after image: %w", err)
	}

	userText := fmt.Sprintf("Page: %s\nViewport width: %dpx\nFirst image is BEFORE, second is AFTER.",
		in.PageURL, in.ViewportWidth)
	if len(in.Candidates) > 0 {
		cands, err := json.Marshal(in.Candidates)
		if err != nil {
			return nil, fmt.Errorf("vision: marshal candidates: %w", err)
		}
		userText += "\nCurrently tracked open changes:\n" + string(cands)
	}

	req := openai.ChatCompletionRequest{
		Model:       d.cfg.Model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: diffSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userText},
					imagePart(before),
					imagePart(after),
				},
			},
		},
	}

	resp, err := d.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision: api call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	proposals, err := parseProposals(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	d.cfg.Logger.Debug("vision: diff complete",
		"url", in.PageURL, "viewport", in.ViewportWidth, "proposals", len(proposals))
	return proposals, nil
}

func imagePart(png []byte) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
			Detail: openai.ImageURLDetailHigh,
		},
	}
}

// parseProposals decodes the model output strictly. Anything that does not
// decode, or carries an unknown scope or out-of-range confidence, is an
// error rather than a silent skip.
func parseProposals(raw string) ([]Proposal, error) {
	raw = stripFences(raw)

	var body struct {
		Proposals []Proposal `json:"proposals"`
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	for i, p := range body.Proposals {
		if !p.Scope.Valid() {
			return nil, fmt.Errorf("%w: proposal %d has scope %q", ErrMalformedResponse, i, p.Scope)
		}
		if p.Summary == "" {
			return nil, fmt.Errorf("%w: proposal %d has empty summary", ErrMalformedResponse, i)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return nil, fmt.Errorf("%w: proposal %d confidence %v out of range", ErrMalformedResponse, i, p.Confidence)
		}
	}
	return body.Proposals, nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON
// in one despite instructions.
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
