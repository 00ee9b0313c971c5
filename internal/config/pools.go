package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/tos-network/pool-portal/internal/algo"
	"github.com/tos-network/pool-portal/internal/util"
)

// ErrPortCollision is returned when two coin files claim the same listen port.
var ErrPortCollision = errors.New("port collision between coin configs")

var poolFileExts = map[string]bool{".json": true, ".yaml": true, ".yml": true, ".toml": true}

// PoolConfig is the immutable configuration of one coin pool
type PoolConfig struct {
	Enabled                bool                  `mapstructure:"enabled" json:"enabled"`
	FileName               string                `mapstructure:"file_name" json:"fileName"`
	Coin                   CoinConfig            `mapstructure:"coin" json:"coin"`
	Address                string                `mapstructure:"address" json:"address"`
	Ports                  map[string]PortConfig `mapstructure:"ports" json:"ports"`
	Daemons                []DaemonConfig        `mapstructure:"daemons" json:"daemons"`
	PaymentProcessing      PaymentConfig         `mapstructure:"payment_processing" json:"paymentProcessing"`
	ValidateWorkerUsername bool                  `mapstructure:"validate_worker_username" json:"validateWorkerUsername"`
	Redis                  RedisConfig           `mapstructure:"redis" json:"redis"`
	Banning                BanningConfig         `mapstructure:"banning" json:"banning"`
	ZMQBlockNotify         string                `mapstructure:"zmq_block_notify" json:"zmqBlockNotify"`
}

// CoinConfig identifies the coin
type CoinConfig struct {
	Name      string `mapstructure:"name" json:"name"`
	Symbol    string `mapstructure:"symbol" json:"symbol"`
	Algorithm string `mapstructure:"algorithm" json:"algorithm"`
	// BlockTime is the target block interval in seconds.
	BlockTime float64 `mapstructure:"block_time" json:"blockTime"`
}

// PortConfig describes one listen port
type PortConfig struct {
	Diff       float64       `mapstructure:"diff" json:"diff"`
	SoloMining bool          `mapstructure:"solo_mining" json:"soloMining"`
	VarDiff    VarDiffConfig `mapstructure:"var_diff" json:"varDiff"`
}

// VarDiffConfig controls per-session difficulty retargeting
type VarDiffConfig struct {
	MinDiff         float64 `mapstructure:"min_diff" json:"minDiff"`
	MaxDiff         float64 `mapstructure:"max_diff" json:"maxDiff"`
	TargetTime      float64 `mapstructure:"target_time" json:"targetTime"`
	RetargetTime    float64 `mapstructure:"retarget_time" json:"retargetTime"`
	VariancePercent float64 `mapstructure:"variance_percent" json:"variancePercent"`
}

// DaemonConfig is a coin daemon RPC endpoint
type DaemonConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password"`
}

// PaymentConfig describes block confirmation tracking
type PaymentConfig struct {
	Enabled          bool          `mapstructure:"enabled" json:"enabled"`
	Interval         time.Duration `mapstructure:"interval" json:"interval"`
	MinConfirmations int64         `mapstructure:"min_confirmations" json:"minConfirmations"`
}

// BanningConfig defines per-IP ban policy for the coin's listeners
type BanningConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	Time           time.Duration `mapstructure:"time" json:"time"`
	InvalidPercent float64       `mapstructure:"invalid_percent" json:"invalidPercent"`
	CheckThreshold int           `mapstructure:"check_threshold" json:"checkThreshold"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval" json:"purgeInterval"`
}

// IsSoloPort reports whether shares on the given port are solo mined.
func (p *PoolConfig) IsSoloPort(port int) bool {
	pc, ok := p.Ports[strconv.Itoa(port)]
	return ok && pc.SoloMining
}

// PortNumbers returns the configured ports in ascending order.
func (p *PoolConfig) PortNumbers() []int {
	ports := make([]int, 0, len(p.Ports))
	for k := range p.Ports {
		if n, err := strconv.Atoi(k); err == nil {
			ports = append(ports, n)
		}
	}
	sort.Ints(ports)
	return ports
}

// AnyPaymentsEnabled reports whether at least one coin tracks payments.
func AnyPaymentsEnabled(pools map[string]*PoolConfig) bool {
	for _, p := range pools {
		if p.PaymentProcessing.Enabled {
			return true
		}
	}
	return false
}

type rawPool struct {
	file     string
	settings map[string]interface{}
}

// BuildPoolConfigs reads every enabled coin file in dir, merges the portal's
// default pool options into it and returns the usable coins keyed by coin name.
// Coins with an unsupported algorithm or without daemons are dropped; a port
// shared by two coin files is fatal and reported as ErrPortCollision.
func BuildPoolConfigs(cfg *Config) (map[string]*PoolConfig, error) {
	entries, err := os.ReadDir(cfg.PoolConfigsDir)
	if err != nil {
		return nil, fmt.Errorf("error reading pool configs: %w", err)
	}

	var raws []rawPool
	for _, e := range entries {
		if e.IsDir() || !poolFileExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		v := viper.New()
		v.SetConfigFile(filepath.Join(cfg.PoolConfigsDir, e.Name()))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading %s: %w", e.Name(), err)
		}
		if !v.GetBool("enabled") {
			continue
		}
		settings := v.AllSettings()
		// AllSettings drops empty leaves, so "3333": {} would lose its port.
		if ports, ok := v.Get("ports").(map[string]interface{}); ok {
			settings["ports"] = ports
		}
		settings["file_name"] = e.Name()
		raws = append(raws, rawPool{file: e.Name(), settings: settings})
	}

	if err := checkPortCollisions(raws); err != nil {
		return nil, err
	}

	pools := make(map[string]*PoolConfig)
	for _, raw := range raws {
		mergeDefaults(raw.settings, cfg.DefaultPoolConfigs)

		pc, err := decodePool(raw.settings)
		if err != nil {
			util.Errorf("[Master] %s: %v", raw.file, err)
			continue
		}
		if !algo.Supported(pc.Coin.Algorithm) {
			util.Errorf("[Master] %s: cannot run a pool for unsupported algorithm %q", pc.Coin.Name, pc.Coin.Algorithm)
			continue
		}
		if len(pc.Daemons) == 0 {
			util.Errorf("[Master] %s: no daemons configured, coin dropped", pc.Coin.Name)
			continue
		}
		if pc.Redis.Host == "" {
			pc.Redis = cfg.Redis
		}
		if pc.Coin.BlockTime <= 0 {
			pc.Coin.BlockTime = 160
		}
		pools[pc.Coin.Name] = pc
	}
	return pools, nil
}

func checkPortCollisions(raws []rawPool) error {
	owner := make(map[string]string)
	for _, raw := range raws {
		ports, _ := raw.settings["ports"].(map[string]interface{})
		keys := make([]string, 0, len(ports))
		for k := range ports {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, port := range keys {
			if other, ok := owner[port]; ok {
				util.Errorf("[Master] %s: has same configured port of %s as %s", raw.file, port, other)
				return fmt.Errorf("%w: %s and %s both use port %s", ErrPortCollision, other, raw.file, port)
			}
			owner[port] = raw.file
		}
	}
	return nil
}

// mergeDefaults fills keys missing from dst. Map-valued defaults are deep
// cloned so coins never share nested state.
func mergeDefaults(dst, defaults map[string]interface{}) {
	for k, v := range defaults {
		k = strings.ToLower(k)
		if _, ok := dst[k]; ok {
			continue
		}
		dst[k] = cloneValue(v)
	}
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

func decodePool(settings map[string]interface{}) (*PoolConfig, error) {
	var pc PoolConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &pc,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(settings); err != nil {
		return nil, fmt.Errorf("error decoding pool config: %w", err)
	}
	if pc.Coin.Name == "" {
		return nil, fmt.Errorf("coin.name is required")
	}
	return &pc, nil
}
