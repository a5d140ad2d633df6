package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/api"
	"github.com/fleetlink/backplane/internal/config"
	"github.com/fleetlink/backplane/internal/devid"
	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/kvstore"
	"github.com/fleetlink/backplane/internal/mqttclient"
	"github.com/fleetlink/backplane/internal/relay"
)

var version = "dev"

// apiPrefix is stripped from inbound topics: internal services publish to
// apiserver/commands/<dev_id>, devices listen on commands/<dev_id>.
const apiPrefix = "apiserver/"

// sentCommand is the per-device record kept in the KV store.
type sentCommand struct {
	Topic   string `cbor:"topic"`
	Payload string `cbor:"payload"`
	SentAt  int64  `cbor:"sent_at"`
}

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
	if err := cfg.ValidateRelay(); err != nil {
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
	log.Info().Str("version", version).Msg("relay starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := eventlog.New(cfg.LogDir, cfg.AppName+"-relay", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open event log")
	}
	defer sink.Close()
	sink.Logf("INIT", "relay %s starting", version)

	// The relay refuses to run without persistent state.
	kv := kvstore.New(cfg.RedisURL, cfg.RedisKeyPrefix, log)
	if err := kv.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("kv store unavailable")
	}
	defer kv.Close()

	cell := &relay.Cell{}
	rel := relay.New(cell, sink, log)
	go rel.Run(ctx)

	mqtt, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL:  cfg.MQTTBrokerURL,
		Role:       "relay",
		Subs:       []mqttclient.Subscription{{Topic: apiPrefix + "#", QoS: 1}},
		Username:   cfg.MQTTUsername,
		Password:   cfg.MQTTPassword,
		CACertPath: cfg.MQTTCACertPath,
		Handler: func(topic string, payload []byte) {
			target := strings.TrimPrefix(topic, apiPrefix)
			if target == topic || target == "" {
				return
			}
			rel.Enqueue(relay.Command{Topic: target, Payload: string(payload)})

			// Keep the last command per device for post-mortem queries.
			// A write failure means the KV connection is gone; the relay
			// refuses to run without persistent state, so this exits and
			// the supervisor restarts us.
			if id := target[strings.LastIndexByte(target, '/')+1:]; devid.Valid(id) {
				rec := sentCommand{Topic: target, Payload: string(payload), SentAt: time.Now().Unix()}
				if err := kv.SetRecord(context.Background(), id, rec); err != nil {
					log.Fatal().Err(err).Str("dev_id", id).Msg("kv store lost")
				}
			}
		},
		Log: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer mqtt.Close()
	cell.Set(mqtt)

	srv := api.NewServer(api.Options{
		Config:    cfg,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
		Broker:    mqtt,
		KV:        kv,
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

	log.Info().
		Int64("sent", rel.Sent.Load()).
		Int64("errors", rel.Errors.Load()).
		Msg("relay stopped")
}
