package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/metrics"
)

type HTTPServer struct {
	srv  *http.Server
	errc chan error
}

// StartHTTP — API плюс служебные /healthz и /metrics. Останавливается вместе с ctx.
func StartHTTP(ctx context.Context, addr string, api http.Handler, ping func(context.Context) error, log *zap.Logger) *HTTPServer {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 800*time.Millisecond)
		defer cancel()
		t0 := time.Now()
		if err := ping(ctx); err != nil {
			http.Error(w, "db not ok: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		metrics.ObserveDBPing(time.Since(t0))
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/api/", api)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	h := &HTTPServer{srv: srv, errc: make(chan error, 1)}

	go func() {
		log.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.errc <- err
		}
		close(h.errc)
	}()

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	return h
}

// Err — ошибка ListenAndServe; канал закрывается после остановки сервера.
func (h *HTTPServer) Err() <-chan error { return h.errc }
