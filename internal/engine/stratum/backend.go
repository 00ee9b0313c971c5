package stratum

import (
	"context"
	"fmt"
	"sync"

	"github.com/tos-network/pool-portal/internal/algo"
	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/engine"
)

// Job is one unit of work handed to miners.
type Job struct {
	ID     string
	Height int64
	// Params follow the job id in mining.notify.
	Params    []interface{}
	CleanJobs bool
}

// Submission is a mining.submit from an authorized session.
type Submission struct {
	Worker      string
	JobID       string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Difficulty  float64
}

// Verdict is a backend's judgement of a valid share.
type Verdict struct {
	ShareDiff       float64
	BlockDiff       float64
	BlockDiffActual float64
	// BlockHash is set when the share met the network target.
	BlockHash string
	// BlockAccepted reports whether the daemon took the block.
	BlockAccepted bool
	BlockReward   float64
	TxHash        string
}

// ShareError rejects a share with a stratum error code.
type ShareError struct {
	Code    int
	Message string
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Standard share rejections
var (
	ErrUnknown        = &ShareError{20, "other/unknown"}
	ErrJobNotFound    = &ShareError{21, "job not found"}
	ErrDuplicateShare = &ShareError{22, "duplicate share"}
	ErrLowDifficulty  = &ShareError{23, "low difficulty share"}
	ErrUnauthorized   = &ShareError{24, "unauthorized worker"}
	ErrNotSubscribed  = &ShareError{25, "not subscribed"}
)

// Backend builds jobs from the coin daemon and verifies submitted work.
type Backend interface {
	// Refresh returns the current job. changed is false when the template
	// is the one already handed out. hint is a block hash announced by the
	// daemon, empty on a timed refresh.
	Refresh(ctx context.Context, hint string) (job *Job, changed bool, err error)
	// Verify checks a submission against its job. A *ShareError rejects it
	// with that code; any other error rejects it as unknown.
	Verify(ctx context.Context, job *Job, sub Submission) (Verdict, error)
}

// BackendFactory builds the backend for one coin.
type BackendFactory func(pool *config.PoolConfig) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend installs the backend factory for an algorithm family.
func RegisterBackend(family string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[family] = f
}

func backendFor(pool *config.PoolConfig) (Backend, error) {
	p, ok := algo.Lookup(pool.Coin.Algorithm)
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm %q", pool.Coin.Algorithm)
	}
	backendsMu.RLock()
	f, ok := backends[p.Family]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrNoBackend, p.Family)
	}
	return f(pool)
}

func init() {
	engine.Register(algo.FamilyBitcoin, New)
}
