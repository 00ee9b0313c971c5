// Package engine defines the contract between the worker runtime and the
// mining-protocol engines that serve each coin.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tos-network/pool-portal/internal/algo"
	"github.com/tos-network/pool-portal/internal/config"
)

var (
	// ErrNoFactory is returned when no engine is registered for an algorithm family.
	ErrNoFactory = errors.New("no engine registered for algorithm family")
	// ErrNoBackend is returned by engines that have no share backend for the coin.
	ErrNoBackend = errors.New("no share backend registered for algorithm family")
)

// ShareData is what an engine reports for every submitted share.
type ShareData struct {
	Job         string  `json:"job"`
	IP          string  `json:"ip"`
	Port        int     `json:"port"`
	Worker      string  `json:"worker"`
	Height      int64   `json:"height"`
	BlockReward float64 `json:"blockReward"`
	// Difficulty is the pool difficulty the share was accepted at.
	Difficulty float64 `json:"difficulty"`
	// ShareDiff is the difficulty the share actually met.
	ShareDiff       float64 `json:"shareDiff"`
	BlockDiff       float64 `json:"blockDiff"`
	BlockDiffActual float64 `json:"blockDiffActual"`
	BlockHash       string  `json:"blockHash,omitempty"`
	TxHash          string  `json:"txHash,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Severity of an engine log event
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySpecial Severity = "special"
)

// AuthResult is the outcome of a worker authorization
type AuthResult struct {
	Authorized bool
	Disconnect bool
}

// AuthorizeFunc decides whether a worker may mine.
type AuthorizeFunc func(ctx context.Context, ip string, port int, worker, password string) AuthResult

// EventSink receives engine events. Implementations must be safe for
// concurrent use; engines call it from session goroutines.
type EventSink interface {
	Share(isValidShare, isValidBlock bool, data *ShareData)
	DifficultyUpdate(worker string, diff float64)
	BanIP(ip, worker string)
	Log(severity Severity, text string)
}

// Engine is one running pool for one coin.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	AddBannedIP(ip string)
	ProcessBlockNotify(hash, source string)
}

// Options are passed to an engine factory.
type Options struct {
	Pool      *config.PoolConfig
	Authorize AuthorizeFunc
	Sink      EventSink
	// ForkID identifies the hosting worker process.
	ForkID int
}

// Factory builds an engine for one coin.
type Factory func(opts Options) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs the factory for an algorithm family, replacing any previous one.
func Register(family string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[family] = f
}

// ForAlgorithm returns the factory serving the algorithm's family.
func ForAlgorithm(name string) (Factory, error) {
	p, ok := algo.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm %q", name)
	}
	registryMu.RLock()
	f, ok := registry[p.Family]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFactory, p.Family)
	}
	return f, nil
}

// New builds the engine for pool using the registered factory.
func New(opts Options) (Engine, error) {
	f, err := ForAlgorithm(opts.Pool.Coin.Algorithm)
	if err != nil {
		return nil, err
	}
	return f(opts)
}
