package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"inference-node/pkg/log"
)

// NewRouter returns a router with the inference API routes registered.
func NewRouter(api *InferenceAPI) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(api.logger))
	api.RegisterRoutes(router)

	return router
}

// NewServer creates the HTTP server for the inference API.
func NewServer(addr string, api *InferenceAPI) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(api),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down.
func Serve(ctx context.Context, srv *http.Server) error {
	errs := make(chan error, 1)

	go func() {
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	}
}

func loggingMiddleware(logger *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			entry.Debug("handling request")

			next.ServeHTTP(w, r.WithContext(log.WithLogger(r.Context(), entry)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
