package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"wablast/internal/dispatch"
	"wablast/internal/session"
	"wablast/internal/store"
	"wablast/pkg/logx"
)

// Handler exposes the session and dispatch operations over JSON/HTTP.
type Handler struct {
	sessions *session.Manager
	dispatch *dispatch.Service
	log      logx.Logger
}

func NewHandler(s *session.Manager, d *dispatch.Service, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{sessions: s, dispatch: d, log: log.With(logx.String("component", "api"))}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, err := h.sessions.CreateSession(r.Context(), req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := h.sessions.Sessions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) ConnectSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Connect(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	status, err := h.sessions.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": status})
}

func (h *Handler) SessionQR(w http.ResponseWriter, r *http.Request) {
	qr, err := h.sessions.QRCode(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if qr == nil {
		writeJSON(w, http.StatusOK, map[string]any{"qr": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"qr": map[string]any{
			"code":      qr.Code,
			"expiresAt": qr.ExpiresAt.Format(time.RFC3339),
		},
	})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.RemoveSession(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string           `json:"sessionId"`
		Entries   []dispatch.Entry `json:"entries"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, rejected, err := h.dispatch.Submit(r.Context(), req.SessionID, req.Entries)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"submissionId": id,
		"rejected":     rejected,
	})
}

func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	includeItems := r.URL.Query().Get("items") == "true"
	p, err := h.dispatch.GetProgress(r.Context(), r.PathValue("id"), includeItems)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	subs, err := h.dispatch.ListSubmissions(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

// fail maps domain errors to status codes. Anything unrecognized is a 500
// and gets logged; client errors do not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *dispatch.ValidationError
	var nrerr *session.NotReadyError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &nrerr):
		writeError(w, http.StatusConflict, err)
	default:
		h.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
