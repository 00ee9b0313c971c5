package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/blocknotify"
	"github.com/tos-network/pool-portal/internal/cli"
	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/ipc"
	"github.com/tos-network/pool-portal/internal/master"
	"github.com/tos-network/pool-portal/internal/newrelic"
	"github.com/tos-network/pool-portal/internal/profiling"
	"github.com/tos-network/pool-portal/internal/stats"
	"github.com/tos-network/pool-portal/internal/util"
)

func runMaster(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	log := util.With("system", "Master")
	log.Infof("Pool Portal v%s starting", version)

	pools, err := config.BuildPoolConfigs(cfg)
	if err != nil {
		return fmt.Errorf("failed to build pool configs: %w", err)
	}

	store, err := stats.DialRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if err := store.CheckVersion(ctx); err != nil {
		log.Warnf("Redis version check failed: %v", err)
	}
	store.Close()

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		log.Warnf("Failed to start New Relic: %v", err)
	}
	defer agent.Stop()

	prof := profiling.NewServer(&cfg.Profiling)
	if err := prof.Start(); err != nil {
		log.Warnf("Failed to start profiling server: %v", err)
	}
	defer prof.Stop()

	m := master.New(cfg, pools, &master.ExecSpawner{})

	if cfg.CLI.Enabled {
		ctl := startControl(ctx, cfg.CLI.Bind, m, log)
		defer ctl.Stop()
	}

	notifyCtx, stopNotify := context.WithCancel(ctx)
	waitNotify := blocknotify.Start(notifyCtx, pools, func(coin, hash string) {
		m.Broadcast(ipc.Message{Type: ipc.TypeBlockNotify, Coin: coin, Hash: hash})
	})

	err = m.Run(ctx)
	stopNotify()
	waitNotify()
	log.Info("Pool Portal stopped")
	return err
}

// startControl starts the control channel. A bind failure is logged and the
// fleet runs without it.
func startControl(ctx context.Context, bind string, h cli.Handler, log *zap.SugaredLogger) *cli.Server {
	ctl := cli.NewServer(bind, h)
	if err := ctl.Start(ctx); err != nil {
		log.Errorf("Control channel disabled: %v", err)
	}
	return ctl
}
