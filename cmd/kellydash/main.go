package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kelly-dash/internal/bms"
	"github.com/shaunagostinho/kelly-dash/internal/controller"
	"github.com/shaunagostinho/kelly-dash/internal/logging"
	"github.com/shaunagostinho/kelly-dash/internal/metrics"
	"github.com/shaunagostinho/kelly-dash/internal/server"
	"github.com/shaunagostinho/kelly-dash/internal/transport"
	"github.com/shaunagostinho/kelly-dash/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated controller and BMS")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	logging.Init("info", false)
	cfg := server.LoadConfig(*configPath)

	lc := cfg.Log
	if *logLevel != "" {
		lc.Level = *logLevel
	}
	logging.Init(lc.Level, lc.Pretty)
	log := logging.Component("main")
	log.Info().Msg("kelly-dash starting")

	if *demo {
		cfg.Controller.Type = "demo"
		if cfg.BMS.Type == bms.None {
			cfg.BMS.Type = bms.JBD
		}
		cfg.BMS.Address = bms.DemoAddress
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	cc := cfg.ControllerSettings()

	var t transport.Transport
	switch cc.Type {
	case "serial":
		t = transport.NewSerial(transport.SerialConfig{BaudRate: cc.BaudRate})
		if ports, err := transport.ListPorts(); err == nil {
			log.Info().Strs("ports", ports).Msg("serial ports")
		}
	default:
		t = transport.NewMock()
	}

	flashLog := logging.Component("flash")
	sess := controller.NewSession(t, controller.Options{
		ReceiveTimeout: cc.ReceiveTimeout(),
		PollDelay:      cc.PollDelay(),
		Observer:       m,
		OnMonitor:      m.ObserveMonitor,
		Progress: func(op string, done, total int) {
			flashLog.Debug().Str("op", op).Int("done", done).Int("total", total).Msg("flash progress")
		},
	})
	defer sess.Disconnect()

	// Dashboard starts regardless; the links come up in the background.
	go connectWithRetry(ctx, log, "controller", func(ctx context.Context) error {
		return sess.Connect(ctx, cc.PortPath)
	}, 10)

	opts := bms.DefaultClientOptions()
	opts.Observer = m
	opts.Logger = logging.Component("bms")
	bmsClient := bms.NewClient(bms.DialAny, opts)
	defer bmsClient.Disconnect()

	if bc := cfg.BMSSettings(); bc.Type != bms.None {
		go connectWithRetry(ctx, log, "bms", func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, time.Duration(bc.ScanTimeoutMs)*time.Millisecond+10*time.Second)
			defer cancel()
			return bmsClient.Connect(cctx, bc.Type, bc.Address)
		}, 10)
	}

	srv := server.New(cfg, sess, bmsClient, m, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited")
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, log zerolog.Logger, name string, connect func(context.Context) error, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := connect(ctx)
		if err == nil {
			log.Info().Str("link", name).Int("attempt", attempt+1).Msg("connected")
			return
		}
		attempt++
		ev := log.Warn()
		if attempt > maxAttempts {
			ev = log.Debug()
		}
		ev.Str("link", name).Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("connect failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
