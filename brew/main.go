package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/gobrew/pkg/board"
	"github.com/itohio/gobrew/pkg/config"
	"github.com/itohio/gobrew/pkg/controller"
	"github.com/itohio/gobrew/pkg/metrics"
)

func main() {
	var (
		configFlag  = flag.String("config", "brew.yaml", "Configuration file path")
		portFlag    = flag.String("port", "", "Serial port override (e.g., /dev/ttyACM0)")
		simFlag     = flag.Bool("sim", false, "Use the simulated boiler instead of the serial board")
		metricsFlag = flag.String("metrics", "", "Diagnostics listen address override (e.g., :9090)")
		listFlag    = flag.Bool("list", false, "List serial ports and exit")
		verboseFlag = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *listFlag {
		ports, err := board.Ports()
		if err != nil {
			log.Error("failed to list ports", slog.Any("error", err))
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p.Name)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if *portFlag != "" {
		cfg.Board.Port = *portFlag
	}
	if *metricsFlag != "" {
		cfg.Metrics.Listen = *metricsFlag
	}

	if err := run(cfg, *simFlag, log); err != nil {
		log.Error("brew stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, sim bool, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b board.Board
	if sim {
		b = board.NewSim(cfg.Sim, log)
	} else {
		b = board.NewSerial(cfg.Board, log)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		m = metrics.New()
	}

	ctl, err := controller.New(cfg, b, m, log)
	if err != nil {
		return err
	}

	if m != nil {
		maxAge := 10 * cfg.Control.TickPeriod
		srv := newServer(cfg.Metrics.Listen, newRouter(ctl, m, maxAge, log), os.Stderr)
		go func() {
			log.Info("diagnostics listening", slog.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("diagnostics server failed", slog.Any("error", err))
			}
		}()
		defer shutdownServer(srv, 2*time.Second, log)
	}

	go func() {
		if err := console(ctx, os.Stdin, os.Stdout, ctl, log); err != nil {
			log.Warn("console stopped", slog.Any("error", err))
		}
	}()

	return ctl.Run(ctx)
}
