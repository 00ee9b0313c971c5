// Package master implements the supervisor that forks, monitors and restarts
// the pool's worker, payments and server processes.
package master

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/ipc"
	"github.com/tos-network/pool-portal/internal/util"
)

// Supervisor defaults
const (
	DefaultStagger      = 250 * time.Millisecond
	DefaultRestartDelay = 2 * time.Second

	outboxSize = 256
)

// Process is a running child.
type Process interface {
	// Send delivers one message to the child.
	Send(msg ipc.Message) error
	// Messages yields the child's messages and is closed when its stream ends.
	Messages() <-chan ipc.Message
	// Wait blocks until the child exits.
	Wait() error
	Kill() error
}

// Spawner starts child processes from a bootstrap.
type Spawner interface {
	Spawn(boot *ipc.Bootstrap) (Process, error)
}

// ForkInfo describes one supervised fork
type ForkInfo struct {
	Role     ipc.Role
	ForkID   int
	Alive    bool
	Restarts int
}

type forkKey struct {
	role ipc.Role
	id   int
}

type fork struct {
	key      forkKey
	boot     *ipc.Bootstrap
	proc     Process
	outbox   chan ipc.Message
	restarts int
}

type event interface{}

type spawnEvent struct{ key forkKey }

type messageEvent struct {
	key  forkKey
	proc Process
	msg  ipc.Message
}

type exitEvent struct {
	key  forkKey
	proc Process
	err  error
}

type broadcastEvent struct{ msg ipc.Message }

type snapshotEvent struct{ reply chan []ForkInfo }

// Master supervises the fleet. The fork table is owned by the Run loop;
// everything else talks to it through events.
type Master struct {
	portal  *config.Config
	pools   map[string]*config.PoolConfig
	spawner Spawner
	log     *zap.SugaredLogger

	Stagger      time.Duration
	RestartDelay time.Duration

	events chan event
	done   chan struct{}
	once   sync.Once

	forks    map[forkKey]*fork
	stopping bool
}

// New creates a supervisor for the given configuration.
func New(portal *config.Config, pools map[string]*config.PoolConfig, spawner Spawner) *Master {
	m := &Master{
		portal:       portal,
		pools:        pools,
		spawner:      spawner,
		log:          util.With("system", "Master"),
		Stagger:      DefaultStagger,
		RestartDelay: DefaultRestartDelay,
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		forks:        make(map[forkKey]*fork),
	}
	if portal.Clustering.Stagger > 0 {
		m.Stagger = portal.Clustering.Stagger
	}
	if portal.Clustering.RestartDelay > 0 {
		m.RestartDelay = portal.Clustering.RestartDelay
	}
	return m
}

// Run starts the fleet and supervises it until ctx is cancelled; then every
// child is killed.
func (m *Master) Run(ctx context.Context) error {
	go m.startForks(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Master) startForks(ctx context.Context) {
	if len(m.pools) == 0 {
		m.log.Warn("No pool configs exist or are enabled in configs folder. No pools started.")
	} else {
		forks := m.portal.ForkCount()
		for i := 0; i < forks; i++ {
			if i > 0 {
				select {
				case <-time.After(m.Stagger):
				case <-ctx.Done():
					return
				}
			}
			if !m.post(spawnEvent{forkKey{ipc.RoleWorker, i}}) {
				return
			}
		}
		m.log.Infof("Started %d pool(s) on %d thread(s)", len(m.pools), forks)
	}

	if config.AnyPaymentsEnabled(m.pools) {
		m.post(spawnEvent{forkKey{ipc.RolePayments, 0}})
	}
	if m.portal.Server.Enabled {
		m.post(spawnEvent{forkKey{ipc.RoleServer, 0}})
	}
}

// post hands ev to the loop. It returns false once the loop has exited.
func (m *Master) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Master) handle(ev event) {
	switch ev := ev.(type) {
	case spawnEvent:
		m.spawn(ev.key)
	case messageEvent:
		m.handleMessage(ev)
	case exitEvent:
		m.handleExit(ev)
	case broadcastEvent:
		for key, f := range m.forks {
			if key.role == ipc.RoleWorker {
				m.send(f, ev.msg)
			}
		}
	case snapshotEvent:
		ev.reply <- m.snapshot()
	}
}

func (m *Master) bootstrap(key forkKey) *ipc.Bootstrap {
	return &ipc.Bootstrap{Role: key.role, ForkID: key.id, Portal: m.portal, Pools: m.pools}
}

func (m *Master) spawn(key forkKey) {
	if m.stopping {
		return
	}
	f, ok := m.forks[key]
	if !ok {
		f = &fork{key: key, boot: m.bootstrap(key)}
		m.forks[key] = f
	}
	if f.proc != nil {
		return
	}

	proc, err := m.spawner.Spawn(f.boot)
	if err != nil {
		m.log.Errorf("Failed to start %s fork %d: %v", key.role, key.id, err)
		m.scheduleRespawn(f)
		return
	}

	f.proc = proc
	f.outbox = make(chan ipc.Message, outboxSize)
	go deliver(proc, f.outbox, m.log)
	go m.pump(key, proc)
	m.log.Debugf("Started %s fork %d", key.role, key.id)
}

// pump forwards a child's messages, then its exit, to the loop.
func (m *Master) pump(key forkKey, proc Process) {
	for msg := range proc.Messages() {
		if !m.post(messageEvent{key: key, proc: proc, msg: msg}) {
			return
		}
	}
	err := proc.Wait()
	m.post(exitEvent{key: key, proc: proc, err: err})
}

func deliver(proc Process, outbox <-chan ipc.Message, log *zap.SugaredLogger) {
	for msg := range outbox {
		if err := proc.Send(msg); err != nil {
			log.Debugf("Failed to deliver %s message: %v", msg.Type, err)
		}
	}
}

// send queues msg for f without blocking the loop.
func (m *Master) send(f *fork, msg ipc.Message) {
	if f.proc == nil {
		return
	}
	select {
	case f.outbox <- msg:
	default:
		m.log.Warnf("Dropping %s message for %s fork %d: queue full", msg.Type, f.key.role, f.key.id)
	}
}

func (m *Master) handleMessage(ev messageEvent) {
	f, ok := m.forks[ev.key]
	if !ok || f.proc != ev.proc {
		return
	}

	switch ev.msg.Type {
	case ipc.TypeBanIP:
		if ev.key.role != ipc.RoleWorker || ev.msg.IP == "" {
			return
		}
		ban := ipc.Message{Type: ipc.TypeBanIP, IP: ev.msg.IP}
		for key, other := range m.forks {
			if key.role == ipc.RoleWorker && key != ev.key {
				m.send(other, ban)
			}
		}
	default:
		m.log.Debugf("Unhandled %q message from %s fork %d", ev.msg.Type, ev.key.role, ev.key.id)
	}
}

func (m *Master) handleExit(ev exitEvent) {
	f, ok := m.forks[ev.key]
	if !ok || f.proc != ev.proc {
		return
	}
	f.proc = nil
	close(f.outbox)
	f.outbox = nil

	if m.stopping {
		return
	}

	f.restarts++
	reason := "exited"
	if ev.err != nil {
		reason = ev.err.Error()
	}
	m.log.Errorf("%s fork %d died (%s), starting replacement in %s (restart #%d)",
		roleTitle(ev.key.role), ev.key.id, reason, m.RestartDelay, f.restarts)
	m.scheduleRespawn(f)
}

func (m *Master) scheduleRespawn(f *fork) {
	key := f.key
	time.AfterFunc(m.RestartDelay, func() {
		m.post(spawnEvent{key})
	})
}

func (m *Master) snapshot() []ForkInfo {
	out := make([]ForkInfo, 0, len(m.forks))
	for key, f := range m.forks {
		out = append(out, ForkInfo{Role: key.role, ForkID: key.id, Alive: f.proc != nil, Restarts: f.restarts})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].ForkID < out[j].ForkID
	})
	return out
}

func (m *Master) shutdown() {
	m.stopping = true
	for key, f := range m.forks {
		if f.proc == nil {
			continue
		}
		if err := f.proc.Kill(); err != nil {
			m.log.Debugf("Failed to kill %s fork %d: %v", key.role, key.id, err)
		}
	}
	m.once.Do(func() { close(m.done) })
	m.log.Info("Supervisor stopped")
}

// Forks returns a snapshot of the fork table, or nil once Run has returned.
func (m *Master) Forks() []ForkInfo {
	reply := make(chan []ForkInfo, 1)
	if !m.post(snapshotEvent{reply}) {
		return nil
	}
	select {
	case forks := <-reply:
		return forks
	case <-m.done:
		return nil
	}
}

// Broadcast sends msg to every live worker fork.
func (m *Master) Broadcast(msg ipc.Message) {
	m.post(broadcastEvent{msg})
}

// OnCommand serves the control channel. Replies are sent once the broadcast is
// queued, not when workers act on it.
func (m *Master) OnCommand(command string, params []string, options map[string]string, reply func(string)) {
	switch command {
	case ipc.TypeReloadPool:
		coin := param(params, 0)
		m.Broadcast(ipc.Message{Type: ipc.TypeReloadPool, Coin: coin})
		reply(fmt.Sprintf("Reloaded Pool %s", coin))
	case ipc.TypeBlockNotify:
		m.Broadcast(ipc.Message{Type: ipc.TypeBlockNotify, Coin: param(params, 0), Hash: param(params, 1)})
		reply("Pool workers notified")
	default:
		reply(fmt.Sprintf("Unrecognized command: %q", command))
	}
}

func param(params []string, i int) string {
	if i < len(params) {
		return params[i]
	}
	return ""
}

func roleTitle(r ipc.Role) string {
	switch r {
	case ipc.RoleWorker:
		return "Worker"
	case ipc.RolePayments:
		return "Payments"
	case ipc.RoleServer:
		return "Server"
	}
	return string(r)
}
