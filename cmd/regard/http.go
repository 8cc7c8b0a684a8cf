package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/regard/scan"
	"github.com/hazyhaar/regard/shield"
)

// newRouter wires the HTTP API. The shield stack runs outermost: trace
// IDs, security headers, body limits and DB-backed rate limiting. The rate
// limiter refreshes its rules in the background until done is closed.
func newRouter(svc *scan.Service, db *sql.DB, logger *slog.Logger, done <-chan struct{}) http.Handler {
	r := chi.NewRouter()

	mws, limiter := shield.DefaultStack(db)
	for _, mw := range mws {
		r.Use(mw)
	}
	limiter.StartReloader(done)
	r.Use(middleware.Recoverer)

	h := &handlers{svc: svc, logger: logger}

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/accounts", h.createAccount)
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Post("/pages", h.createPage)
			r.Get("/pages", h.listPages)
		})

		r.Route("/pages/{pageID}", func(r chi.Router) {
			r.Get("/", h.getPage)
			r.Delete("/", h.deletePage)
			r.Post("/scan", h.scanNow)
			r.Get("/changes", h.listChanges)
		})

		r.Route("/changes/{changeID}", func(r chi.Router) {
			r.Get("/checkpoints", h.listCheckpoints)
			r.Post("/revert", h.revertChange)
		})

		r.Post("/checkpoints/{checkpointID}/feedback", h.submitFeedback)

		r.Post("/hooks/deploy", h.deployHook)
	})

	return r
}

type handlers struct {
	svc    *scan.Service
	logger *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) createAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Tier  string `json:"tier"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	acc, err := h.svc.CreateAccount(r.Context(), req.Name, req.Email, req.Tier)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (h *handlers) createPage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL        string `json:"url"`
		Path       string `json:"path"`
		Cadence    string `json:"cadence"`
		Hypothesis string `json:"hypothesis"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	page, err := h.svc.CreatePage(r.Context(), &scan.Page{
		AccountID:  chi.URLParam(r, "accountID"),
		URL:        req.URL,
		Path:       req.Path,
		Cadence:    req.Cadence,
		Hypothesis: req.Hypothesis,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, page)
}

func (h *handlers) listPages(w http.ResponseWriter, r *http.Request) {
	pages, err := h.svc.ListPages(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pages)
}

func (h *handlers) getPage(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.GetPage(r.Context(), chi.URLParam(r, "pageID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handlers) deletePage(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeletePage(r.Context(), chi.URLParam(r, "pageID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) scanNow(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.ScanNow(r.Context(), chi.URLParam(r, "pageID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *handlers) listChanges(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if st := r.URL.Query().Get("status"); st != "" {
		statuses = append(statuses, st)
	}
	changes, err := h.svc.ListChanges(r.Context(), chi.URLParam(r, "pageID"), statuses...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (h *handlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.svc.ListCheckpoints(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

func (h *handlers) revertChange(w http.ResponseWriter, r *http.Request) {
	err := h.svc.RevertChange(r.Context(), chi.URLParam(r, "changeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": scan.StatusReverted})
}

func (h *handlers) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agree bool   `json:"agree"`
		Note  string `json:"note"`
	}
	if !decode(w, r, &req) {
		return
	}
	fb, err := h.svc.SubmitFeedback(r.Context(), chi.URLParam(r, "checkpointID"), req.Agree, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (h *handlers) deployHook(w http.ResponseWriter, r *http.Request) {
	var d scan.Deploy
	if !decode(w, r, &d) {
		return
	}
	if d.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	res, err := h.svc.HandleDeploy(r.Context(), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// fail maps service errors to HTTP statuses.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scan.ErrAccountNotFound),
		errors.Is(err, scan.ErrPageNotFound),
		errors.Is(err, scan.ErrChangeNotFound),
		errors.Is(err, scan.ErrCheckpointNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scan.ErrPageLimitReached),
		errors.Is(err, scan.ErrDeployScansNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, scan.ErrTerminalStatus):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("http: request failed",
			"path", r.URL.Path, "trace_id", shield.GetTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
