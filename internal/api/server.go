package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server hosts the REST surface, the viewer websocket endpoint and the
// operational probes on one listener.
type Server struct {
	server *http.Server
	logger *zap.SugaredLogger
}

func NewServer(addr string, a *API, logger *zap.SugaredLogger) *Server {
	router := mux.NewRouter()
	a.Register(router)

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: allowAllCORS(router),
		},
		logger: logger,
	}
}

// Start serves until the context is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infow("starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// allowAllCORS matches the open policy the dashboards expect; anything
// stricter belongs in the proxy in front of this service.
func allowAllCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
