package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wablast/pkg/logx"
)

// Server runs the HTTP listener with the usual Start/Stop lifecycle.
type Server struct {
	srv *http.Server
	log logx.Logger

	stopDone chan struct{}
}

func NewServer(addr string, h *Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           Router(h),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log:      log.With(logx.String("component", "api")),
		stopDone: make(chan struct{}),
	}
}

func (s *Server) Start(ctx context.Context) {
	go func() {
		defer close(s.stopDone)
		s.log.Info("http listener started", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http listener failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	select {
	case <-s.stopDone:
	case <-ctx.Done():
	}
	s.log.Info("http listener stopped")
}
