package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)

	mux.HandleFunc("POST /v1/sessions", h.CreateSession)
	mux.HandleFunc("GET /v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/connect", h.ConnectSession)
	mux.HandleFunc("GET /v1/sessions/{id}/qr", h.SessionQR)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.DeleteSession)

	mux.HandleFunc("POST /v1/submissions", h.CreateSubmission)
	mux.HandleFunc("GET /v1/submissions", h.ListSubmissions)
	mux.HandleFunc("GET /v1/submissions/{id}", h.GetSubmission)

	return mux
}
