// Command reqorder runs a small demo application behind the collector and
// serves the read API next to it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fllarpy/reqorder"
	"github.com/fllarpy/reqorder/config"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := demoRouter()
	probe, err := reqorder.NewProbe(ctx, cfg, reqorder.WithRouter(app))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize probe: %v\n", err)
		os.Exit(1)
	}
	log := probe.Logger()

	root := mux.NewRouter()
	root.PathPrefix(cfg.API.Prefix).Handler(probe.APIHandler())
	root.PathPrefix("/").Handler(recoverer(log, probe.Middleware()(app)))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Listening", zap.String("addr", *addr), zap.String("api", cfg.API.Prefix))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown failed", zap.Error(err))
	}
	if err := probe.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "probe shutdown: %v\n", err)
	}
}

func demoRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "Hello from reqorder")
	}).Methods(http.MethodGet)
	r.HandleFunc("/users/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%s}`+"\n", mux.Vars(r)["id"])
	}).Methods(http.MethodGet)
	r.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)
	r.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprintln(w, "done")
	}).Methods(http.MethodGet)
	r.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		var users map[string]int
		users["ada"]++
	}).Methods(http.MethodGet)
	return r
}

// recoverer answers 500 for panics that the collector re-raised.
func recoverer(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Warn("Handler panicked", zap.String("path", r.URL.Path), zap.Any("panic", rec))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
