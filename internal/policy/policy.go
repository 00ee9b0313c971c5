// Package policy tracks per-IP behaviour on the stratum listeners and decides bans.
package policy

import (
	"sync"
	"time"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/util"
)

// Config holds policy configuration
type Config struct {
	BanningEnabled bool
	BanTimeout     time.Duration // How long a ban lasts
	InvalidPercent float64       // Invalid share percentage that triggers a ban
	CheckThreshold int           // Shares seen before the ratio is checked
	MalformedLimit int           // Malformed requests before a ban

	RateLimitEnabled bool
	ConnectionLimit  int           // New connections allowed per IP per reset interval
	ConnectionGrace  time.Duration // No connection limit right after startup
	LimitJump        int           // Allowance granted per valid share

	ResetInterval time.Duration // How often stale entries and expired bans are purged
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		BanningEnabled: true,
		BanTimeout:     10 * time.Minute,
		InvalidPercent: 50,
		CheckThreshold: 500,
		MalformedLimit: 5,

		RateLimitEnabled: false,
		ConnectionLimit:  10,
		ConnectionGrace:  5 * time.Minute,
		LimitJump:        5,

		ResetInterval: 5 * time.Minute,
	}
}

// ConfigFromBanning builds a policy config from a coin's banning section.
// Zero values fall back to the defaults.
func ConfigFromBanning(b config.BanningConfig) *Config {
	cfg := DefaultConfig()
	cfg.BanningEnabled = b.Enabled
	if b.Time > 0 {
		cfg.BanTimeout = b.Time
	}
	if b.InvalidPercent > 0 {
		cfg.InvalidPercent = b.InvalidPercent
	}
	if b.CheckThreshold > 0 {
		cfg.CheckThreshold = b.CheckThreshold
	}
	if b.PurgeInterval > 0 {
		cfg.ResetInterval = b.PurgeInterval
	}
	return cfg
}

type ipStats struct {
	lastBeat      time.Time
	bannedAt      time.Time
	banned        bool
	validShares   int
	invalidShares int
	malformed     int
	connLimit     int
}

// PolicyServer manages per-IP bans
type PolicyServer struct {
	config *Config

	mu    sync.Mutex
	stats map[string]*ipStats

	startedAt time.Time
	now       func() time.Time

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPolicyServer creates a new policy server
func NewPolicyServer(cfg *Config) *PolicyServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &PolicyServer{
		config:    cfg,
		stats:     make(map[string]*ipStats),
		startedAt: time.Now(),
		now:       time.Now,
		quit:      make(chan struct{}),
	}
}

// Start begins the purge loop
func (p *PolicyServer) Start() {
	if p.config.ResetInterval <= 0 {
		return
	}
	p.wg.Add(1)
	go p.purgeLoop()
}

// Stop shuts down the purge loop
func (p *PolicyServer) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *PolicyServer) purgeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.purge()
		}
	}
}

// purge removes stale entries and lifts expired bans
func (p *PolicyServer) purge() {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed, unbanned := 0, 0
	for ip, s := range p.stats {
		if s.banned && now.Sub(s.bannedAt) >= p.config.BanTimeout {
			s.banned = false
			unbanned++
		}
		if !s.banned && now.Sub(s.lastBeat) >= p.config.ResetInterval {
			delete(p.stats, ip)
			removed++
		}
	}
	if removed > 0 || unbanned > 0 {
		util.Debugf("Policy purge: removed %d stale, unbanned %d IPs", removed, unbanned)
	}
}

// get returns the stats for ip, creating them. Caller holds p.mu.
func (p *PolicyServer) get(ip string) *ipStats {
	s, ok := p.stats[ip]
	if !ok {
		s = &ipStats{connLimit: p.config.ConnectionLimit}
		p.stats[ip] = s
	}
	s.lastBeat = p.now()
	return s
}

// IsBanned checks if an IP is currently banned. An expired ban is lifted here.
func (p *PolicyServer) IsBanned(ip string) bool {
	if !p.config.BanningEnabled {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stats[ip]
	if !ok || !s.banned {
		return false
	}
	if p.now().Sub(s.bannedAt) >= p.config.BanTimeout {
		s.banned = false
		return false
	}
	return true
}

// BanIP bans an IP address. It returns true when the IP was not already banned.
func (p *PolicyServer) BanIP(ip string) bool {
	if !p.config.BanningEnabled {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ban(ip)
}

func (p *PolicyServer) ban(ip string) bool {
	s := p.get(ip)
	now := p.now()
	fresh := !s.banned || now.Sub(s.bannedAt) >= p.config.BanTimeout
	s.banned = true
	s.bannedAt = now
	return fresh
}

// ApplyConnectionLimit checks and decrements the connection allowance
func (p *PolicyServer) ApplyConnectionLimit(ip string) bool {
	if !p.config.RateLimitEnabled {
		return true
	}
	if p.now().Sub(p.startedAt) < p.config.ConnectionGrace {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.get(ip)
	s.connLimit--
	return s.connLimit >= 0
}

// ApplyMalformedPolicy counts a malformed request and returns false once the IP is banned
func (p *PolicyServer) ApplyMalformedPolicy(ip string) bool {
	if !p.config.BanningEnabled {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.get(ip)
	s.malformed++
	if s.malformed >= p.config.MalformedLimit {
		s.malformed = 0
		p.ban(ip)
		return false
	}
	return true
}

// ApplySharePolicy tracks valid/invalid shares. It returns false when the
// invalid ratio over the last CheckThreshold shares bans the IP.
func (p *PolicyServer) ApplySharePolicy(ip string, valid bool) bool {
	if !p.config.BanningEnabled {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.get(ip)
	if valid {
		s.validShares++
		if p.config.RateLimitEnabled {
			s.connLimit += p.config.LimitJump
		}
	} else {
		s.invalidShares++
	}

	total := s.validShares + s.invalidShares
	if total < p.config.CheckThreshold {
		return true
	}

	percent := float64(s.invalidShares) / float64(total) * 100
	s.validShares = 0
	s.invalidShares = 0

	if percent >= p.config.InvalidPercent {
		util.Warnf("Banning %s: invalid share ratio %.1f%% >= %.1f%%", ip, percent, p.config.InvalidPercent)
		p.ban(ip)
		return false
	}
	return true
}

// Counts returns the number of tracked and banned IPs
func (p *PolicyServer) Counts() (total, banned int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total = len(p.stats)
	for _, s := range p.stats {
		if s.banned {
			banned++
		}
	}
	return
}
