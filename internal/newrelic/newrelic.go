// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/util"
)

// Agent wraps New Relic APM functionality. The zero agent and a nil *Agent
// are both valid and record nothing.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if a.cfg == nil || !a.cfg.Enabled {
		util.Debug("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	app := a.Application()
	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application
func (a *Agent) Application() *newrelic.Application {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	return a.Application() != nil
}

// StartTransaction starts a new New Relic transaction, nil when disabled
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	app := a.Application()
	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if app := a.Application(); app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	if app := a.Application(); app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// RecordShareSubmission records a share submission event
func (a *Agent) RecordShareSubmission(coin, worker string, difficulty float64, valid bool) {
	a.RecordCustomEvent("ShareSubmission", shareEvent(coin, worker, difficulty, valid))
}

func shareEvent(coin, worker string, difficulty float64, valid bool) map[string]interface{} {
	status := "valid"
	if !valid {
		status = "invalid"
	}
	return map[string]interface{}{
		"coin":       coin,
		"worker":     worker,
		"difficulty": difficulty,
		"status":     status,
	}
}

// RecordBlockFound records a block found event
func (a *Agent) RecordBlockFound(coin string, height int64, finder string, reward float64) {
	a.RecordCustomEvent("BlockFound", map[string]interface{}{
		"coin":   coin,
		"height": height,
		"finder": finder,
		"reward": reward,
	})
}

// RecordBlockOrphaned records a block that left the chain
func (a *Agent) RecordBlockOrphaned(coin string, height int64, hash string) {
	a.RecordCustomEvent("BlockOrphaned", map[string]interface{}{
		"coin":   coin,
		"height": height,
		"hash":   hash,
	})
}

// UpdatePoolMetrics updates per-coin pool metrics
func (a *Agent) UpdatePoolMetrics(coin string, hashrate float64, workers int) {
	a.RecordCustomMetric("Custom/Pool/"+coin+"/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Pool/"+coin+"/Workers", float64(workers))
}
