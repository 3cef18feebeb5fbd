package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/models"
)

// SupervisorConfig bounds reconnect attempts
type SupervisorConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime of zero retries forever
	MaxElapsedTime time.Duration
	// MaxRetries of zero means unlimited
	MaxRetries  uint64
	DedupWindow int
}

// DefaultSupervisorConfig returns the settings used when none are configured
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  0,
		MaxRetries:      0,
		DedupWindow:     512,
	}
}

// Handlers receive what a Supervisor delivers. Only OnAlert is required.
type Handlers struct {
	OnAlert  func(models.EmergencyAlert)
	OnStatus func(models.StatusUpdate)
	// OnError sees parse failures and each dropped connection. It is
	// informational; the supervisor keeps reconnecting.
	OnError func(error)
}

// Supervisor keeps a stream subscription alive across drops and filters
// alerts the server delivers twice.
type Supervisor struct {
	sub      *Subscriber
	cfg      SupervisorConfig
	handlers Handlers
	seen     *recentKeys

	reconnects atomic.Int64
}

// NewSupervisor creates a supervisor. Run starts it.
func NewSupervisor(sub *Subscriber, cfg SupervisorConfig, h Handlers) *Supervisor {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultSupervisorConfig().InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultSupervisorConfig().MaxInterval
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultSupervisorConfig().DedupWindow
	}
	return &Supervisor{
		sub:      sub,
		cfg:      cfg,
		handlers: h,
		seen:     newRecentKeys(cfg.DedupWindow),
	}
}

// Reconnects is the number of times the stream was reopened
func (s *Supervisor) Reconnects() int64 {
	return s.reconnects.Load()
}

func (s *Supervisor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval
	b.MaxElapsedTime = s.cfg.MaxElapsedTime
	b.Reset()

	if s.cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(b, s.cfg.MaxRetries)
	}
	return b
}

// Run subscribes and re-subscribes until ctx is done, returning ctx.Err(), or
// until the retry budget is spent, returning the last connection error.
func (s *Supervisor) Run(ctx context.Context) error {
	policy := s.newBackOff()

	for {
		var healthy atomic.Bool
		dropped := make(chan error, 1)

		unsubscribe := s.sub.Subscribe(
			func(a models.EmergencyAlert) {
				healthy.Store(true)
				if !s.seen.Add(a.Key()) {
					logrus.Debugf("Dropping duplicate alert %s", a.Key())
					return
				}
				s.handlers.OnAlert(a)
			},
			func(err error) {
				if errors.Is(err, ErrStreamConnection) {
					select {
					case dropped <- err:
					default:
					}
				}
				if s.handlers.OnError != nil {
					s.handlers.OnError(err)
				}
			},
			WithStatusHandler(func(u models.StatusUpdate) {
				healthy.Store(true)
				if s.handlers.OnStatus != nil {
					s.handlers.OnStatus(u)
				}
			}),
			WithPingHandler(func() {
				healthy.Store(true)
			}),
		)

		var err error
		select {
		case <-ctx.Done():
			unsubscribe()
			return ctx.Err()
		case err = <-dropped:
			unsubscribe()
		}

		if healthy.Load() {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("emergency stream: giving up: %w", err)
		}

		logrus.Warnf("Emergency stream dropped, reconnecting in %v: %v", wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.reconnects.Add(1)
	}
}

// recentKeys remembers the last n keys seen
type recentKeys struct {
	mu    sync.Mutex
	ring  []string
	next  int
	index map[string]struct{}
}

func newRecentKeys(n int) *recentKeys {
	return &recentKeys{
		ring:  make([]string, n),
		index: make(map[string]struct{}, n),
	}
}

// Add records key and reports whether it was new. Empty keys are always new.
func (r *recentKeys) Add(key string) bool {
	if key == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[key]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.index, old)
	}
	r.ring[r.next] = key
	r.index[key] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
