// Package worker hosts one pool engine per coin inside a worker process and
// bridges engine events to the round ledger and the supervisor.
package worker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/daemon"
	"github.com/tos-network/pool-portal/internal/engine"
	"github.com/tos-network/pool-portal/internal/ipc"
	"github.com/tos-network/pool-portal/internal/newrelic"
	"github.com/tos-network/pool-portal/internal/notify"
	"github.com/tos-network/pool-portal/internal/shares"
	"github.com/tos-network/pool-portal/internal/storage"
	"github.com/tos-network/pool-portal/internal/util"
)

// Raw worker names of this length are taken as hex addresses.
const hexAddressLen = 40

// Share difficulty thresholds that get a log notice
const (
	highDiffNotice     = 1e6
	veryHighDiffNotice = 1e9
)

// AddressValidator asks coin daemons about a payout address.
type AddressValidator interface {
	ValidateAddress(ctx context.Context, address string) bool
}

// Sender delivers messages to the supervisor.
type Sender interface {
	Send(m ipc.Message) error
}

// Ledger records shares for one coin.
type Ledger interface {
	HandleShare(ctx context.Context, isValidShare, isValidBlock bool, data *engine.ShareData) error
}

// Deps are the collaborators of a Runtime. Nil fields get defaults.
type Deps struct {
	NewEngine func(opts engine.Options) (engine.Engine, error)
	NewDaemon func(pool *config.PoolConfig) AddressValidator
	NewLedger func(pool *config.PoolConfig, store *storage.RedisClient, forkID int) Ledger
	Out       Sender
	Notifier  *notify.Notifier
	Agent     *newrelic.Agent
}

// Runtime hosts the engines of one worker fork.
type Runtime struct {
	forkID int
	pools  map[string]*config.PoolConfig
	store  *storage.RedisClient
	deps   Deps
	log    *zap.SugaredLogger

	ctx context.Context

	mu    sync.Mutex
	hosts map[string]*host
}

// host is one coin served by the runtime. It is the engine's event sink.
type host struct {
	rt      *Runtime
	pool    *config.PoolConfig
	ledger  Ledger
	daemons AddressValidator
	log     *zap.SugaredLogger

	engine engine.Engine
}

// NewRuntime creates the runtime for the bootstrap's pools.
func NewRuntime(boot *ipc.Bootstrap, store *storage.RedisClient, deps Deps) *Runtime {
	if deps.NewEngine == nil {
		deps.NewEngine = engine.New
	}
	if deps.NewDaemon == nil {
		deps.NewDaemon = func(pool *config.PoolConfig) AddressValidator {
			return daemon.NewClient(pool.Daemons, daemon.DefaultTimeout)
		}
	}
	if deps.NewLedger == nil {
		deps.NewLedger = func(pool *config.PoolConfig, store *storage.RedisClient, forkID int) Ledger {
			p := shares.NewProcessor(pool, store, forkID)
			p.CheckStore(context.Background())
			return p
		}
	}
	return &Runtime{
		forkID: boot.ForkID,
		pools:  boot.Pools,
		store:  store,
		deps:   deps,
		log:    util.With("system", "Pool", "thread", boot.ForkID+1),
		ctx:    context.Background(),
		hosts:  make(map[string]*host),
	}
}

// Start builds and starts one engine per coin. Coins whose engine cannot
// be built or started are logged and stay idle until a reloadpool.
func (r *Runtime) Start(ctx context.Context) error {
	r.ctx = ctx

	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)

	running := 0
	for _, name := range names {
		pool := r.pools[name]
		h := &host{
			rt:      r,
			pool:    pool,
			ledger:  r.deps.NewLedger(pool, r.store, r.forkID),
			daemons: r.deps.NewDaemon(pool),
			log:     util.With("system", "Pool", "coin", name, "thread", r.forkID+1),
		}
		r.mu.Lock()
		r.hosts[name] = h
		r.mu.Unlock()

		if err := h.start(ctx); err != nil {
			h.log.Errorf("Failed to start pool: %v", err)
			continue
		}
		running++
	}

	if running == 0 && len(names) > 0 {
		r.log.Error("No pool could be started, waiting for reload")
	}
	return nil
}

func (h *host) start(ctx context.Context) error {
	eng, err := h.rt.deps.NewEngine(engine.Options{
		Pool:      h.pool,
		Authorize: h.authorize,
		Sink:      h,
		ForkID:    h.rt.forkID,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	h.rt.mu.Lock()
	h.engine = eng
	h.rt.mu.Unlock()
	return nil
}

// Stop stops every hosted engine.
func (r *Runtime) Stop() {
	r.mu.Lock()
	engines := make([]engine.Engine, 0, len(r.hosts))
	for _, h := range r.hosts {
		if h.engine != nil {
			engines = append(engines, h.engine)
		}
	}
	r.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
}

// Coins returns the names of the coins with a running engine.
func (r *Runtime) Coins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.hosts))
	for name, h := range r.hosts {
		if h.engine != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HandleMessage applies one supervisor message.
func (r *Runtime) HandleMessage(m ipc.Message) {
	switch m.Type {
	case ipc.TypeBanIP:
		r.mu.Lock()
		for _, h := range r.hosts {
			if h.engine != nil {
				h.engine.AddBannedIP(m.IP)
			}
		}
		r.mu.Unlock()

	case ipc.TypeBlockNotify:
		h := r.lookup(m.Coin)
		if h == nil {
			r.log.Debugf("Block notify for unknown coin %s", m.Coin)
			return
		}
		r.mu.Lock()
		eng := h.engine
		r.mu.Unlock()
		if eng != nil {
			eng.ProcessBlockNotify(m.Hash, "blocknotify script")
		}

	case ipc.TypeReloadPool:
		h := r.lookup(m.Coin)
		if h == nil {
			r.log.Warnf("Reload requested for unknown coin %s", m.Coin)
			return
		}
		h.reload(r.ctx)

	default:
		r.log.Warnf("Unknown message type %q", m.Type)
	}
}

// Run applies supervisor messages until the channel closes or ctx ends.
func (r *Runtime) Run(ctx context.Context, msgs <-chan ipc.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			r.HandleMessage(m)
		}
	}
}

// lookup finds the coin case-insensitively.
func (r *Runtime) lookup(coin string) *host {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hosts[coin]; ok {
		return h
	}
	for name, h := range r.hosts {
		if strings.EqualFold(name, coin) {
			return h
		}
	}
	return nil
}

func (h *host) reload(ctx context.Context) {
	h.rt.mu.Lock()
	old := h.engine
	h.engine = nil
	h.rt.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if err := h.start(ctx); err != nil {
		h.log.Errorf("Failed to reload pool: %v", err)
		return
	}
	h.log.Info("Pool reloaded")
}

func (h *host) authorize(ctx context.Context, ip string, port int, worker, password string) engine.AuthResult {
	authorized := h.checkWorker(ctx, worker)
	if authorized {
		h.log.Debugf("Authorized %s:%s [%s]", worker, password, ip)
	} else {
		h.log.Debugf("Unauthorized %s:%s [%s]", worker, password, ip)
	}
	return engine.AuthResult{Authorized: authorized}
}

func (h *host) checkWorker(ctx context.Context, worker string) bool {
	if !h.pool.ValidateWorkerUsername {
		return true
	}
	if len(worker) == hexAddressLen {
		return true
	}
	return h.daemons.ValidateAddress(ctx, worker)
}

// Share implements engine.EventSink.
func (h *host) Share(isValidShare, isValidBlock bool, data *engine.ShareData) {
	var shareData string
	if b, err := json.Marshal(data); err == nil {
		shareData = string(b)
	}

	if data.BlockHash != "" && !isValidBlock {
		h.log.Debugf("We thought a block was found but it was rejected by the daemon, share data: %s", shareData)
	} else if isValidBlock {
		h.log.Debugf("Block found: %s by %s", data.BlockHash, data.Worker)
	}

	if isValidShare {
		if data.ShareDiff > veryHighDiffNotice {
			h.log.Debug("Share was found with diff higher than 1.000.000.000!")
		} else if data.ShareDiff > highDiffNotice {
			h.log.Debug("Share was found with diff higher than 1.000.000!")
		}
		h.log.Debugf("Share accepted at diff %v/%v by %s [%s]", data.Difficulty, data.ShareDiff, data.Worker, data.IP)
	} else {
		h.log.Debugf("Share rejected: %s", shareData)
	}

	ctx, cancel := context.WithTimeout(h.rt.ctx, 10*time.Second)
	defer cancel()
	if err := h.ledger.HandleShare(ctx, isValidShare, isValidBlock, data); err != nil {
		h.log.Errorf("Error with share processor: %v", err)
	}

	h.rt.deps.Agent.RecordShareSubmission(h.pool.Coin.Name, data.Worker, data.Difficulty, isValidShare)
	if isValidBlock {
		h.rt.deps.Agent.RecordBlockFound(h.pool.Coin.Name, data.Height, data.Worker, data.BlockReward)
		h.rt.deps.Notifier.NotifyBlockFound(notify.Block{
			Coin:   h.pool.Coin.Name,
			Symbol: h.pool.Coin.Symbol,
			Height: data.Height,
			Hash:   data.BlockHash,
			Worker: data.Worker,
			Reward: data.BlockReward,
		})
	}
}

// DifficultyUpdate implements engine.EventSink.
func (h *host) DifficultyUpdate(worker string, diff float64) {
	h.log.Debugf("Difficulty update to diff %v workerName=%q", diff, worker)
}

// BanIP implements engine.EventSink; the ban is propagated fleet-wide.
func (h *host) BanIP(ip, worker string) {
	if h.rt.deps.Out == nil {
		return
	}
	if err := h.rt.deps.Out.Send(ipc.Message{Type: ipc.TypeBanIP, IP: ip}); err != nil {
		h.log.Warnf("Failed to forward ban of %s: %v", ip, err)
	}
}

// Log implements engine.EventSink.
func (h *host) Log(severity engine.Severity, text string) {
	switch severity {
	case engine.SeverityDebug:
		h.log.Debug(text)
	case engine.SeverityWarning:
		h.log.Warn(text)
	case engine.SeverityError:
		h.log.Error(text)
	default:
		h.log.Info(text)
	}
}
