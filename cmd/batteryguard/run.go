package main

import (
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Waldmensch1/BatteryGuard/internal/config"
	"github.com/Waldmensch1/BatteryGuard/internal/journal"
	"github.com/Waldmensch1/BatteryGuard/internal/monitor"
	"github.com/Waldmensch1/BatteryGuard/internal/publish"
	"github.com/Waldmensch1/BatteryGuard/internal/statusview"
	"github.com/Waldmensch1/BatteryGuard/internal/transport"
)

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagNoMQTT {
		cfg.MQTT.Enabled = false
	}
	if flagDisplay {
		cfg.Display.Enabled = true
	}

	logger, err := newLogger(cfg.LogLevel, flagLogLevel)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"version": formatVersion(version),
		"commit":  commit,
		"built":   date,
		"devices": len(cfg.EnabledDevices()),
	}).Info("batteryguard starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := transport.NewBLE(cfg.Timing.ScanInterval, cfg.Timing.ScanWindow, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	jr := journal.New(256)
	registry, err := monitor.NewRegistry(cfg, tr, logger, jr)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	if cfg.MQTT.Enabled {
		publisher, err := publish.New(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(ctx, registry.Snapshots)
		}()
	}

	if cfg.Display.Enabled {
		view := statusview.New(cfg.Display.Refresh, registry.Snapshots, tr.Seen(), jr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			view.Run(ctx)
		}()
	}

	err = registry.Run(ctx)
	wg.Wait()
	logger.Info("batteryguard stopped")
	return err
}
