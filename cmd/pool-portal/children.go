package main

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tos-network/pool-portal/internal/api"
	"github.com/tos-network/pool-portal/internal/daemon"
	_ "github.com/tos-network/pool-portal/internal/engine/stratum"
	"github.com/tos-network/pool-portal/internal/influx"
	"github.com/tos-network/pool-portal/internal/ipc"
	"github.com/tos-network/pool-portal/internal/newrelic"
	"github.com/tos-network/pool-portal/internal/notify"
	"github.com/tos-network/pool-portal/internal/payments"
	"github.com/tos-network/pool-portal/internal/stats"
	"github.com/tos-network/pool-portal/internal/storage"
	"github.com/tos-network/pool-portal/internal/util"
	"github.com/tos-network/pool-portal/internal/worker"
)

const notifierName = "Pool Portal"

func startAgent(boot *ipc.Bootstrap) *newrelic.Agent {
	agent := newrelic.NewAgent(&boot.Portal.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic: %v", err)
	}
	return agent
}

func runWorker(ctx context.Context, child *ipc.Child) error {
	boot := child.Bootstrap
	log := util.With("system", "Pool", "thread", boot.ForkID+1)

	store, err := stats.DialRedis(boot.Portal.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer store.Close()

	agent := startAgent(boot)
	defer agent.Stop()

	notifier := notify.NewNotifier(&boot.Portal.Notify, notifierName)
	defer notifier.Wait()

	rt := worker.NewRuntime(boot, store, worker.Deps{
		Out:      child,
		Notifier: notifier,
		Agent:    agent,
	})
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Stop()

	rt.Run(ctx, child.Messages(func(err error) {
		log.Warnf("Supervisor message error: %v", err)
	}))
	return nil
}

func runPayments(ctx context.Context, child *ipc.Child) error {
	boot := child.Bootstrap
	log := util.With("system", "Payments")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go drain(child, cancel)

	agent := startAgent(boot)
	defer agent.Stop()

	notifier := notify.NewNotifier(&boot.Portal.Notify, notifierName)
	defer notifier.Wait()

	names := make([]string, 0, len(boot.Pools))
	for name, p := range boot.Pools {
		if p.PaymentProcessing.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var (
		wg     sync.WaitGroup
		stores []*storage.RedisClient
	)
	for _, name := range names {
		pool := boot.Pools[name]
		store, err := stats.DialRedis(pool.Redis)
		if err != nil {
			log.Errorf("%s: failed to connect to Redis: %v", name, err)
			continue
		}
		stores = append(stores, store)

		p := payments.NewProcessor(pool, store, daemon.NewClient(pool.Daemons, daemon.DefaultTimeout), notifier, agent)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}
	log.Infof("Payment processing started for %d coin(s)", len(stores))

	wg.Wait()
	for _, s := range stores {
		s.Close()
	}
	return nil
}

func runServer(ctx context.Context, child *ipc.Child) error {
	boot := child.Bootstrap
	log := util.With("system", "Server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go drain(child, cancel)

	agg, err := stats.NewAggregator(boot.Portal, boot.Pools, stats.DialRedis)
	if err != nil {
		return err
	}
	defer agg.Close()
	if err := agg.LoadHistory(ctx); err != nil {
		log.Warnf("Failed to load stats history: %v", err)
	}

	if boot.Portal.Influx.Enabled {
		sink, err := influx.NewSink(&boot.Portal.Influx)
		if err != nil {
			log.Warnf("InfluxDB export disabled: %v", err)
		} else {
			agg.SetSink(sink)
			defer sink.Close()
		}
	}

	agent := startAgent(boot)
	defer agent.Stop()

	srv := api.NewServer(boot.Portal, agg, agent)
	if err := srv.Start(ctx); err != nil {
		log.Errorf("%v", err)
	}
	defer srv.Stop()

	<-ctx.Done()
	return nil
}

// drain discards supervisor messages for roles that take none and calls
// done once the supervisor link closes.
func drain(child *ipc.Child, done context.CancelFunc) {
	for range child.Messages(nil) {
	}
	done()
}
