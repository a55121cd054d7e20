package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/BearBump/CRMSync/config"
)

type Rand interface {
	Intn(n int) int
}

// maxShift caps the exponential doubling so the delay cannot overflow.
const maxShift = 20

type PlannerConfig struct {
	Strategy  config.RetryStrategy
	Base      time.Duration   // default: 5 minutes
	Table     []time.Duration // default: 5, 15, 30, 60, 120 minutes
	MaxJitter time.Duration   // default: 60 seconds
}

func DefaultPlannerConfig() PlannerConfig {
	def := config.DefaultSyncConfig()
	return PlannerConfig{
		Strategy:  def.RetryStrategy,
		Base:      def.RetryBaseInterval,
		Table:     def.RetryTable,
		MaxJitter: def.RetryMaxJitter,
	}
}

func PlannerConfigFrom(cfg config.SyncConfig) PlannerConfig {
	return PlannerConfig{
		Strategy:  cfg.RetryStrategy,
		Base:      cfg.RetryBaseInterval,
		Table:     cfg.RetryTable,
		MaxJitter: cfg.RetryMaxJitter,
	}
}

// Planner computes when a failed sync is retried. It is safe for concurrent use;
// calls to r are serialized.
type Planner struct {
	cfg PlannerConfig

	mu sync.Mutex
	r  Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	switch cfg.Strategy {
	case config.RetryFixed, config.RetryLinear, config.RetryExponential, config.RetryTable:
	default:
		cfg.Strategy = def.Strategy
	}
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if len(cfg.Table) == 0 {
		cfg.Table = def.Table
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// BackoffDelay is the delay before attempt number attempt (1-based), without jitter.
func (p *Planner) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.cfg.Strategy {
	case config.RetryFixed:
		return p.cfg.Base
	case config.RetryLinear:
		return p.cfg.Base * time.Duration(attempt)
	case config.RetryTable:
		i := attempt - 1
		if i >= len(p.cfg.Table) {
			i = len(p.cfg.Table) - 1
		}
		return p.cfg.Table[i]
	default:
		shift := attempt - 1
		if shift > maxShift {
			shift = maxShift
		}
		return p.cfg.Base * time.Duration(1<<shift)
	}
}

// Jitter is a random offset in [0, MaxJitter], with one-second granularity.
func (p *Planner) Jitter() time.Duration {
	sec := int(p.cfg.MaxJitter / time.Second)
	if sec <= 0 {
		return 0
	}
	p.mu.Lock()
	n := p.r.Intn(sec + 1)
	p.mu.Unlock()
	return time.Duration(n) * time.Second
}

func (p *Planner) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.BackoffDelay(attempt) + p.Jitter())
}
