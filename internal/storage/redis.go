// Package storage owns the shared store connection and its key schema.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/tos-network/pool-portal/internal/util"
)

// MinRedisVersion is the oldest server the ledger's commands run against.
const MinRedisVersion = "2.6"

const hscanCount = 10000

// RedisClient wraps a single-node or cluster connection
type RedisClient struct {
	client  redis.UniversalClient
	addr    string
	cluster bool
}

// NewRedisClient creates a new Redis client. With cluster set, addr is used as
// the cluster seed node.
func NewRedisClient(addr, password string, db int, cluster bool) (*RedisClient, error) {
	var client redis.UniversalClient
	if cluster {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    []string{addr},
			Password: password,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Debugf("Connected to Redis at %s (cluster=%v)", addr, cluster)
	return &RedisClient{client: client, addr: addr, cluster: cluster}, nil
}

// WrapClient adopts an existing connection. cluster selects the sharded
// write paths of callers regardless of the connection's concrete type.
func WrapClient(client redis.UniversalClient, addr string, cluster bool) *RedisClient {
	return &RedisClient{client: client, addr: addr, cluster: cluster}
}

// Client returns the underlying connection
func (r *RedisClient) Client() redis.UniversalClient {
	return r.client
}

// Cluster reports whether the store is sharded
func (r *RedisClient) Cluster() bool {
	return r.cluster
}

// Addr returns the address the client was created with
func (r *RedisClient) Addr() string {
	return r.addr
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// CheckVersion fails when the server is older than MinRedisVersion or its
// version cannot be detected.
func (r *RedisClient) CheckVersion(ctx context.Context) error {
	info, err := r.client.Info(ctx, "server").Result()
	if err != nil {
		return fmt.Errorf("redis version check failed: %w", err)
	}
	version, ok := parseRedisVersion(info)
	if !ok {
		return fmt.Errorf("could not detect redis version")
	}
	if !versionAtLeast(version, MinRedisVersion) {
		return fmt.Errorf("redis version %s is older than required %s", version, MinRedisVersion)
	}
	return nil
}

func parseRedisVersion(info string) (string, bool) {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "redis_version:"); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func versionAtLeast(version, min string) bool {
	have := strings.Split(version, ".")
	want := strings.Split(min, ".")
	for i := range want {
		w, _ := strconv.Atoi(want[i])
		h := 0
		if i < len(have) {
			h, _ = strconv.Atoi(have[i])
		}
		if h != w {
			return h > w
		}
	}
	return true
}

// HScanAll walks the whole hash with HSCAN and returns every matching field.
func (r *RedisClient) HScanAll(ctx context.Context, key, match string) (map[string]string, error) {
	out := make(map[string]string)
	var cursor uint64
	for {
		kvs, next, err := r.client.HScan(ctx, key, cursor, match, hscanCount).Result()
		if err != nil {
			return nil, err
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			out[kvs[i]] = kvs[i+1]
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
