package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/api"
	"github.com/fleetlink/backplane/internal/config"
	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/ingest"
	"github.com/fleetlink/backplane/internal/mqttclient"
	"github.com/fleetlink/backplane/internal/parts"
	"github.com/fleetlink/backplane/internal/realtime"
	"github.com/fleetlink/backplane/internal/resolver"
	"github.com/fleetlink/backplane/internal/stats"
	"github.com/fleetlink/backplane/internal/warehouse"
	"github.com/fleetlink/backplane/internal/widecol"
)

var version = "dev"

const (
	statsInterval    = 120 * time.Second
	snapshotInterval = 3 * time.Minute
)

func main() {
	startTime := time.Now()

	envFile := flag.String("env-file", "", "path to .env file")
	testConfig := flag.Bool("test-config", false, "validate configuration and exit")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	logLevel := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	flag.Parse()

	early := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(config.Overrides{
		EnvFile:  *envFile,
		HTTPAddr: *httpAddr,
		LogLevel: *logLevel,
	})
	if err != nil {
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ValidateIngester(); err != nil {
		early.Fatal().Err(err).Msg("invalid configuration")
	}
	if *testConfig {
		early.Info().Msg("configuration ok")
		return
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("backplane starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := eventlog.New(cfg.LogDir, cfg.AppName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open event log")
	}
	defer sink.Close()
	sink.Logf("INIT", "backplane %s starting", version)

	counters := &stats.Counters{}

	var bg sync.WaitGroup

	reporter := stats.NewReporter(counters, sink, statsInterval, log)
	bg.Add(1)
	go func() {
		defer bg.Done()
		reporter.Run(ctx)
	}()

	state := realtime.New(cfg.CacheDir, log)
	if err := state.Load(); err != nil {
		log.Warn().Err(err).Msg("snapshot load failed, starting empty")
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		state.RunSnapshots(ctx, snapshotInterval)
	}()

	var wide *widecol.Writer
	if cfg.WideColumnEnabled() {
		client, err := widecol.NewClient(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build wide-column client")
		}
		wide = widecol.NewWriter(client, sink, counters, log)
	}

	var batcher *warehouse.Batcher
	if cfg.WarehouseEnabled() {
		bq, err := warehouse.NewBQSink(ctx, cfg, sink, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build warehouse client")
		}
		defer bq.Close()
		batcher = warehouse.NewBatcher(warehouse.BatcherOptions{
			Inserter: bq,
			Counters: counters,
			Log:      log,
		})
		bg.Add(1)
		go func() {
			defer bg.Done()
			batcher.Run(ctx)
		}()
	}

	pipelineOpts := ingest.Options{
		Resolver: resolver.New(resolver.DefaultRules()),
		Realtime: state,
		Sink:     sink,
		Counters: counters,
		Log:      log,
	}
	if wide != nil {
		pipelineOpts.Wide = wide
	}
	if batcher != nil {
		pipelineOpts.Warehouse = batcher
	}
	pipeline := ingest.New(pipelineOpts)

	subs := mqttclient.SharedSubs(cfg.MQTTShareGroup, []mqttclient.Subscription{
		{Topic: "data/#", QoS: 2},
		{Topic: "control/#", QoS: 2},
	})
	subs = append(subs,
		mqttclient.Subscription{Topic: "commands/#", QoS: 2},
		mqttclient.Subscription{Topic: "sync", QoS: 2},
	)
	mqtt, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL:  cfg.MQTTBrokerURL,
		Role:       "ingester",
		Subs:       subs,
		Username:   cfg.MQTTUsername,
		Password:   cfg.MQTTPassword,
		CACertPath: cfg.MQTTCACertPath,
		Handler:    pipeline.HandleMessage,
		Log:        log,
		Ordered:    true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer mqtt.Close()

	partsWatcher := parts.NewWatcher(cfg.PartsDir, log)
	if err := partsWatcher.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start parts watcher")
	}
	defer partsWatcher.Stop()

	srv := api.NewServer(api.Options{
		Config:    cfg,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
		Broker:    mqtt,
		Parts:     partsWatcher,
		Realtime:  state,
		Sink:      sink,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	// The batcher flushes its remainder before bg unblocks.
	bg.Wait()
	if err := state.Snapshot(); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	log.Info().Msg("backplane stopped")
}
