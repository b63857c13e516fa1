package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/me/mobgo/internal/backend"
	"github.com/me/mobgo/internal/config"
	"github.com/me/mobgo/internal/index"
	"github.com/me/mobgo/internal/jobengine"
	"github.com/me/mobgo/internal/logging"
	"github.com/me/mobgo/internal/registry"
	"github.com/me/mobgo/internal/server"
	"github.com/me/mobgo/internal/typesys"
	"github.com/me/mobgo/internal/workflow"
)

func main() {
	var (
		addr        = flag.String("addr", "", "Listen address (default :8080)")
		configPath  = flag.String("config", "", "Portal configuration file")
		resultsDir  = flag.String("results-dir", "", "Results directory (overrides config)")
		resultsURL  = flag.String("results-url", "", "Public results base URL (overrides config)")
		serviceDirs = flag.String("services", "", "Comma-separated service definition directories")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (text, json)")
		debug       = flag.Bool("debug", false, "Shorthand for --log-level=debug")
		rebuild     = flag.Bool("rebuild-index", false, "Rebuild the job index from the results directory")
	)
	flag.Parse()

	f := &config.File{}
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		f = loaded
	}
	cfg := f.Portal()
	if *resultsDir != "" {
		cfg.ResultsDir = *resultsDir
	}
	if *resultsURL != "" {
		cfg.ResultsURL = *resultsURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	listenAddr := f.Addr
	if *addr != "" {
		listenAddr = *addr
	}
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	for _, dir := range []string{cfg.ResultsDir, cfg.AdminDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	// Service catalog: the local server plus every configured peer.
	services := registry.New(cfg, logger)
	for _, srv := range f.Servers {
		services.AddServer(srv.Name, srv.URL, srv.JobsBase)
	}
	dirs := append([]string{}, f.ServiceDirs...)
	if *serviceDirs != "" {
		for _, dir := range strings.Split(*serviceDirs, ",") {
			if dir = strings.TrimSpace(dir); dir != "" {
				dirs = append(dirs, dir)
			}
		}
	}
	for _, dir := range dirs {
		if err := services.Load("local", dir); err != nil {
			fmt.Fprintf(os.Stderr, "load services: %v\n", err)
			os.Exit(1)
		}
	}

	types := typesys.NewRegistry(logger)

	backends := backend.NewRegistry(logger)
	backends.Register(backend.NewLocal(cfg.AdminDir, logger))
	backends.Register(backend.NewGrid(cfg.AdminDir, backend.NewDRMAASessionFactory(), logger))
	backends.Register(backend.NewRemote(services, cfg.PortalID, logger))

	idx, err := index.Open(f.Index(cfg), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open index: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()
	if *rebuild {
		if err := idx.Rebuild(context.Background(), cfg.ResultsDir); err != nil {
			fmt.Fprintf(os.Stderr, "rebuild index: %v\n", err)
			os.Exit(1)
		}
	}

	jobs := jobengine.New(cfg, services, types, backends, logger)
	jobs.SetJobCounter(idx)
	workflows := workflow.New(cfg, services, jobs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, services, jobs, workflows, logger,
		server.WithIndex(idx), server.WithBaseContext(ctx))

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("portal starting", "addr", listenAddr, "portal", cfg.PortalID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("portal failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("portal stopped")
}
