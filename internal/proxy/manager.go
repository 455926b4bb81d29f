package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"listing_watcher/internal/domain"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBlocked
	// OutcomeFailure is any other error. It leaves the host state alone.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "failure"
	}
}

// OutcomeOf classifies the error returned by a fetch.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case domain.IsBlocked(err):
		return OutcomeBlocked
	default:
		return OutcomeFailure
	}
}

// Identity is what one request presents to the remote host.
type Identity struct {
	Host      string
	SessionID string
	// ProxyURL is nil when requests go out directly.
	ProxyURL  *url.URL
	UserAgent string
}

type HostLimit struct {
	Rate  float64
	Burst int
}

type Config struct {
	Username  string
	Password  string
	Host      string
	Port      int
	Country   string
	UserAgent string

	DefaultRate  float64
	DefaultBurst int
	Hosts        map[string]HostLimit

	BlockThreshold int
	CooldownBase   time.Duration
	CooldownMax    time.Duration
}

// hostState is guarded by Manager.mu. The bucket's rate moves between
// floor and ceiling with the host's answers.
type hostState struct {
	limiter           *rate.Limiter
	ceiling           rate.Limit
	floor             rate.Limit
	consecutiveBlocks int
	cooldownUntil     time.Time
}

func newHostState(r rate.Limit, burst int) *hostState {
	return &hostState{
		limiter: rate.NewLimiter(r, burst),
		ceiling: r,
		floor:   r / 4,
	}
}

// adjust scales the bucket rate by factor, clamped to [floor, ceiling].
func (st *hostState) adjust(factor float64) rate.Limit {
	next := max(st.floor, min(st.ceiling, st.limiter.Limit()*rate.Limit(factor)))
	st.limiter.SetLimit(next)
	return next
}

func (st *hostState) cooldownLeft(now time.Time) time.Duration {
	return st.cooldownUntil.Sub(now)
}

// Manager owns per-host rate limits and cool-downs. It is shared by every
// job running in the process.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]*hostState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultRate <= 0 {
		cfg.DefaultRate = 1
	}
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 1
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		hosts:  make(map[string]*hostState),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) state(host string) *hostState {
	st, ok := m.hosts[host]
	if !ok {
		r, burst := m.cfg.DefaultRate, m.cfg.DefaultBurst
		if hl, ok := m.cfg.Hosts[host]; ok {
			if hl.Rate > 0 {
				r = hl.Rate
			}
			if hl.Burst > 0 {
				burst = hl.Burst
			}
		}
		st = newHostState(rate.Limit(r), burst)
		m.hosts[host] = st
	}
	return st
}

// Acquire blocks until the host is out of cool-down and a token is
// available, then hands out a fresh identity. A cool-down that starts while
// the caller waits for its token sends it back to wait the cool-down out.
func (m *Manager) Acquire(ctx context.Context, host string) (*Lease, error) {
	m.mu.Lock()
	st := m.state(host)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		wait := st.cooldownLeft(m.now())
		m.mu.Unlock()

		if wait > 0 {
			m.logger.Debug("waiting out host cool-down", "host", host, "wait", wait)
			if err := m.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if err := st.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		m.mu.Lock()
		wait = st.cooldownLeft(m.now())
		m.mu.Unlock()
		if wait <= 0 {
			return &Lease{manager: m, identity: m.identity(host)}, nil
		}
	}
}

func (m *Manager) identity(host string) Identity {
	session := strconv.FormatUint(rand.Uint64N(1_000_000_000), 10)
	id := Identity{
		Host:      host,
		SessionID: session,
		UserAgent: m.cfg.UserAgent,
	}
	if m.cfg.Host != "" {
		user := fmt.Sprintf("%s-country-%s-session-%s", m.cfg.Username, m.cfg.Country, session)
		id.ProxyURL = &url.URL{
			Scheme: "http",
			User:   url.UserPassword(user, m.cfg.Password),
			Host:   net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port)),
		}
	}
	return id
}

// RecordOutcome feeds one request result into the host state.
func (m *Manager) RecordOutcome(host string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(host)
	switch outcome {
	case OutcomeSuccess:
		st.consecutiveBlocks = 0
		st.adjust(1.2)
	case OutcomeBlocked:
		st.consecutiveBlocks++
		newRate := st.adjust(0.5)
		if st.consecutiveBlocks < m.cfg.BlockThreshold {
			m.logger.Warn("host blocked request", "host", host, "new_rate", float64(newRate))
			return
		}
		d := m.cooldown(st.consecutiveBlocks - m.cfg.BlockThreshold)
		until := m.now().Add(d)
		if until.After(st.cooldownUntil) {
			st.cooldownUntil = until
		}
		m.logger.Warn("host in cool-down",
			"host", host,
			"consecutive_blocks", st.consecutiveBlocks,
			"cooldown", d,
			"new_rate", float64(newRate),
		)
	}
}

func (m *Manager) cooldown(exp int) time.Duration {
	d := m.cfg.CooldownBase
	for i := 0; i < exp; i++ {
		d *= 2
		if m.cfg.CooldownMax > 0 && d >= m.cfg.CooldownMax {
			return m.cfg.CooldownMax
		}
	}
	if m.cfg.CooldownMax > 0 && d > m.cfg.CooldownMax {
		return m.cfg.CooldownMax
	}
	return d
}

// CooldownRemaining is how long Acquire would currently wait for host.
func (m *Manager) CooldownRemaining(host string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.hosts[host]
	if !ok {
		return 0
	}
	return max(st.cooldownLeft(m.now()), 0)
}

// Do runs fn under a lease and releases it with the outcome of fn, also
// when fn panics.
func (m *Manager) Do(ctx context.Context, host string, fn func(ctx context.Context, id Identity) error) (err error) {
	lease, err := m.Acquire(ctx, host)
	if err != nil {
		return err
	}

	outcome := OutcomeFailure
	defer func() { lease.Release(outcome) }()

	err = fn(ctx, lease.Identity())
	outcome = OutcomeOf(err)
	return err
}

type Lease struct {
	manager  *Manager
	identity Identity
	once     sync.Once
}

func (l *Lease) Identity() Identity {
	return l.identity
}

// Release reports the outcome. Only the first call counts.
func (l *Lease) Release(outcome Outcome) {
	l.once.Do(func() {
		l.manager.RecordOutcome(l.identity.Host, outcome)
	})
}
