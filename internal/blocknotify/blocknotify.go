// Package blocknotify subscribes to coin daemon ZMQ publishers and relays
// new block hashes to the workers.
package blocknotify

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/util"
)

// TopicHashBlock is the daemon topic carrying new block hashes.
const TopicHashBlock = "hashblock"

// DefaultReconnectDelay is the pause between subscription attempts.
const DefaultReconnectDelay = 5 * time.Second

// NotifyFunc receives a coin name and the hex block hash.
type NotifyFunc func(coin, hash string)

// Listener follows one daemon publisher
type Listener struct {
	Coin           string
	Endpoint       string
	ReconnectDelay time.Duration

	notify NotifyFunc
	log    *zap.SugaredLogger
}

// NewListener creates a listener for coin on endpoint.
func NewListener(coin, endpoint string, notify NotifyFunc) *Listener {
	return &Listener{
		Coin:           coin,
		Endpoint:       endpoint,
		ReconnectDelay: DefaultReconnectDelay,
		notify:         notify,
		log:            util.With("system", "BlockNotify", "coin", coin),
	}
}

// Run subscribes until ctx is done, resubscribing after failures.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.log.Warnf("ZMQ subscription to %s failed: %v", l.Endpoint, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.ReconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	sub := zmq4.NewSub(ctx)
	defer sub.Close()

	if err := sub.Dial(l.Endpoint); err != nil {
		return fmt.Errorf("dial %s: %w", l.Endpoint, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, TopicHashBlock); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.log.Infof("Listening for blocks on %s", l.Endpoint)

	for {
		msg, err := sub.Recv()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		hash, ok := parseHashBlock(msg.Frames)
		if !ok {
			continue
		}
		l.log.Debugf("Block notification %s", hash)
		l.notify(l.Coin, hash)
	}
}

// parseHashBlock reads a [topic, hash, sequence] message.
func parseHashBlock(frames [][]byte) (string, bool) {
	if len(frames) < 2 || string(frames[0]) != TopicHashBlock || len(frames[1]) == 0 {
		return "", false
	}
	return hex.EncodeToString(frames[1]), true
}

// Start runs a listener for every pool with a ZMQ endpoint and returns a
// function that waits for all of them after ctx is done.
func Start(ctx context.Context, pools map[string]*config.PoolConfig, notify NotifyFunc) func() {
	names := make([]string, 0, len(pools))
	for name, p := range pools {
		if p.ZMQBlockNotify != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var wg sync.WaitGroup
	for _, name := range names {
		l := NewListener(name, pools[name].ZMQBlockNotify, notify)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(ctx)
		}()
	}
	return wg.Wait
}
