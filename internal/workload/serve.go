package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ShutdownTimeout bounds graceful shutdown after the context ends.
const ShutdownTimeout = 5 * time.Second

// Listen binds the prepared address.
func Listen(p *Prepared) (net.Listener, error) {
	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return nil, &StartupError{Phase: PhaseListen, Err: err}
	}
	return ln, nil
}

// Serve binds the prepared address and serves until ctx is done.
func Serve(ctx context.Context, p *Prepared, logger *slog.Logger) error {
	ln, err := Listen(p)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, logger)
}

// ServeListener serves /healthz on ln until ctx is done, then shuts down.
func ServeListener(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check", "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("workload listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Debug("workload stopped")
	return nil
}
