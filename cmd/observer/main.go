// Observer host process: subscribes to a runtime's lifecycle event stream,
// loads active plugin bundles, and exposes the merged route/component view
// over a local inspection API.
package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/preto960/pluginbay/internal/bundle"
	"github.com/preto960/pluginbay/internal/config"
	"github.com/preto960/pluginbay/internal/httputil"
	"github.com/preto960/pluginbay/internal/loader"
	"github.com/preto960/pluginbay/internal/logging"
	"github.com/preto960/pluginbay/plugins/taskmanager"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	streamURL := os.Getenv("EVENT_STREAM_URL")
	if streamURL == "" {
		streamURL = "ws://localhost:" + cfg.Port + "/ws"
	}
	if token := os.Getenv("EVENT_STREAM_TOKEN"); token != "" {
		u, err := url.Parse(streamURL)
		if err != nil {
			logger.Fatal().Err(err).Str("url", streamURL).Msg("invalid event stream url")
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		streamURL = u.String()
	}

	natives := bundle.NewNativeRegistry()
	natives.Register(taskmanager.NativeRef(), taskmanager.Natives())

	ld := loader.New(bundle.NewHTTPTransport(natives), logger)
	sub := loader.NewSubscriber(streamURL, ld, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	go sub.Run(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/routes", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, ld.Routes())
	}).Methods("GET")
	r.HandleFunc("/components/{name}", func(w http.ResponseWriter, req *http.Request) {
		comp, ok := ld.Component(mux.Vars(req)["name"])
		if !ok {
			httputil.WriteError(w, http.StatusNotFound, "component not loaded")
			return
		}
		out, err := comp(nil)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "component render failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out) //nolint:errcheck
	}).Methods("GET")

	port := os.Getenv("OBSERVER_PORT")
	if port == "" {
		port = "8090"
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.Info().Str("port", port).Str("stream", streamURL).Msg("starting observer")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("observer failed to start")
	}
}
