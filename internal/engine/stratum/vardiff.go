package stratum

import (
	"time"

	"github.com/tos-network/pool-portal/internal/config"
)

// vardiff tracks a session's share rate between retargets
type vardiff struct {
	cfg          config.VarDiffConfig
	lastRetarget time.Time
	sharesSince  int
}

// newVardiff returns nil when the port has no vardiff target.
func newVardiff(cfg config.VarDiffConfig, now time.Time) *vardiff {
	if cfg.TargetTime <= 0 || cfg.RetargetTime <= 0 {
		return nil
	}
	return &vardiff{cfg: cfg, lastRetarget: now}
}

// submit records a valid share and returns the retargeted difficulty.
func (v *vardiff) submit(current float64, now time.Time) (float64, bool) {
	if v == nil {
		return current, false
	}
	v.sharesSince++

	elapsed := now.Sub(v.lastRetarget).Seconds()
	if elapsed < v.cfg.RetargetTime {
		return current, false
	}

	shareRate := float64(v.sharesSince) / elapsed
	targetRate := 1.0 / v.cfg.TargetTime
	ratio := shareRate / targetRate

	variance := v.cfg.VariancePercent / 100.0
	if ratio > 1-variance && ratio < 1+variance {
		v.reset(now)
		return current, false
	}

	newDiff := current * ratio
	if v.cfg.MinDiff > 0 && newDiff < v.cfg.MinDiff {
		newDiff = v.cfg.MinDiff
	}
	if v.cfg.MaxDiff > 0 && newDiff > v.cfg.MaxDiff {
		newDiff = v.cfg.MaxDiff
	}

	v.reset(now)
	return newDiff, newDiff != current
}

func (v *vardiff) reset(now time.Time) {
	v.lastRetarget = now
	v.sharesSince = 0
}
