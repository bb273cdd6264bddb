// Package health serves the liveness page, a json health check and the prometheus metrics.
package health

import (
	"context"
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"log/slog"
	"net"
	"time"
)

const TextRunning = "Bot is Running Successfully!"

// Handler routes `/`, `/health` and `/metrics`.
func Handler(gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/":
			ctx.SetContentType("text/plain; charset=utf-8")
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString(TextRunning)
		case "/health", "/healthz":
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString(`{"status":"ok"}`)
		case "/metrics":
			metrics(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen, %w (%s)", err, addr)
	}
	return ServeListener(ctx, ln, gatherer)
}

func ServeListener(ctx context.Context, ln net.Listener, gatherer prometheus.Gatherer) error {
	srv := &fasthttp.Server{
		Handler:            Handler(gatherer),
		Name:               "filestore-health",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	slog.Info("health#listen", "addr", ln.Addr().String())

	select {
	case err := <-done:
		return fmt.Errorf("health: serve, %w", err)
	case <-ctx.Done():
	}
	if err := srv.Shutdown(); err != nil {
		return fmt.Errorf("health: shutdown, %w", err)
	}
	slog.Info("health#done")
	return nil
}
