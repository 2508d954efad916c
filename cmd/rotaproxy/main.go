package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"rotaproxy/internal/metrics"
	"rotaproxy/internal/service/web"
	"rotaproxy/internal/shared/config"
	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
	manager "rotaproxy/proxypool"
	"rotaproxy/proxypool/checker"
	"rotaproxy/proxypool/discovery"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "rotaproxy.ini")
	sourcesPath := filepath.Join(*configDir, "sources.json")

	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	profiles, err := config.LoadSources(sourcesPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load sources file '%s'", sourcesPath)
	}
	sources := discovery.FromProfiles(profiles)
	if len(sources) == 0 {
		logger.Warn().Msg("No active discovery sources configured; the pool will only grow through manual imports.")
	}

	chk := checker.New(checker.Options{
		Timeout:     time.Duration(cfg.CheckerConf.TimeoutSeconds) * time.Second,
		Concurrency: cfg.CheckerConf.Concurrency,
		GeoLookup:   cfg.CheckerConf.GeoLookup,
	})

	mgr := manager.New(cfg, sources, chk)
	collector := metrics.NewCollector(nil)
	mgr.SetMetricsCollector(collector)

	if err := mgr.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start pool manager.")
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	web.StartServer(&wg, cfg, mgr, collector, web.NewHub(), sourcesPath, stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received.")

	close(stop)
	mgr.Shutdown()
	wg.Wait()
}
