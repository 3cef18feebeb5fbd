// Package feed keeps the alerts received from the emergency stream in a
// bounded, most-recent-first buffer and hands each one to notifiers and sinks.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/models"
	"github.com/cloudcare/alert-desk/pkg/session"
)

// DefaultCapacity bounds the feed when no capacity is configured
const DefaultCapacity = 100

// deliveryTimeout bounds each notifier and sink call
const deliveryTimeout = 5 * time.Second

// Sink receives every alert the feed accepts
type Sink interface {
	Name() string
	Write(ctx context.Context, alert models.EmergencyAlert) error
}

// Observer is told about feed activity, used for metrics
type Observer interface {
	Accepted(alert models.EmergencyAlert)
	Rejected(reason string)
	Notified(err error)
	SinkWritten(sink string, err error)
	Size(n int)
}

// Option configures a Feed
type Option func(*Feed)

// WithCapacity bounds the feed. Non-positive values keep DefaultCapacity.
func WithCapacity(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.capacity = n
		}
	}
}

// WithDedup replaces an alert already in the feed with the same Key instead of
// adding a second entry. The replacement moves to the front.
func WithDedup() Option {
	return func(f *Feed) {
		f.dedup = true
	}
}

// WithNotifier sets the notification capability. Without one, notifications
// are skipped.
func WithNotifier(n Notifier) Option {
	return func(f *Feed) {
		f.notifier = n
	}
}

// WithSession drops alerts outside the session's scope
func WithSession(s *session.Context) Option {
	return func(f *Feed) {
		f.scope = s
	}
}

// WithObserver installs an activity observer
func WithObserver(o Observer) Option {
	return func(f *Feed) {
		f.observer = o
	}
}

// Feed is safe for concurrent use
type Feed struct {
	mu       sync.RWMutex
	items    []models.EmergencyAlert
	capacity int
	dedup    bool
	notifier Notifier
	scope    *session.Context
	sinks    []Sink
	observer Observer

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// New creates an empty feed
func New(opts ...Option) *Feed {
	f := &Feed{
		capacity: DefaultCapacity,
		subs:     map[chan struct{}]struct{}{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddSink registers a sink for alerts accepted from now on
func (f *Feed) AddSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Capacity returns the maximum number of alerts held
func (f *Feed) Capacity() int {
	return f.capacity
}

// Add prepends alert, evicting the oldest entry when full, then notifies and
// writes to sinks. It has the signature of a stream onAlert callback. It
// reports whether the alert was accepted.
func (f *Feed) Add(alert models.EmergencyAlert) bool {
	if !f.scope.Allows(alert) {
		logrus.Debugf("Alert %s outside session scope, dropped", alert.Key())
		f.observeRejected("scope")
		return false
	}

	f.mu.Lock()
	if f.dedup {
		f.removeLocked(alert.Key())
	}
	f.items = append(f.items, models.EmergencyAlert{})
	copy(f.items[1:], f.items)
	f.items[0] = alert
	if len(f.items) > f.capacity {
		evicted := f.items[f.capacity:]
		for _, e := range evicted {
			logrus.Debugf("Feed full, evicting alert %s", e.Key())
		}
		f.items = f.items[:f.capacity]
	}
	size := len(f.items)
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.Unlock()

	if o := f.observer; o != nil {
		o.Accepted(alert)
		o.Size(size)
	}
	f.broadcast()
	f.notify(alert)
	f.writeSinks(alert, sinks)
	return true
}

// ApplyStatus updates the status of an alert already in the feed. It reports
// whether a matching alert was found.
func (f *Feed) ApplyStatus(u models.StatusUpdate) bool {
	status := u.Status()
	if status == "" {
		return false
	}

	f.mu.Lock()
	found := false
	for i := range f.items {
		if f.items[i].AlertID != u.AlertID {
			continue
		}
		a := &f.items[i]
		a.Status = status
		if !u.Timestamp.IsZero() {
			ts := u.Timestamp
			a.UpdatedAt = ts
			if status.IsTerminal() {
				a.ResolvedAt = &ts
			} else if a.ResponseTime == nil {
				a.ResponseTime = &ts
			}
		}
		if u.ResponderID != "" {
			a.Responders = append(a.Responders, u.ResponderID)
		}
		found = true
		break
	}
	f.mu.Unlock()

	if found {
		f.broadcast()
	}
	return found
}

// Get returns the alert with the given key
func (f *Feed) Get(key string) (models.EmergencyAlert, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, a := range f.items {
		if a.Key() == key {
			return a, true
		}
	}
	return models.EmergencyAlert{}, false
}

// Snapshot returns a copy of the feed, most recent first
func (f *Feed) Snapshot() []models.EmergencyAlert {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.EmergencyAlert, len(f.items))
	copy(out, f.items)
	return out
}

// Len returns the number of alerts held
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

// Clear discards every alert
func (f *Feed) Clear() {
	f.mu.Lock()
	f.items = nil
	f.mu.Unlock()

	if o := f.observer; o != nil {
		o.Size(0)
	}
	f.broadcast()
}

// Subscribe returns a channel that receives a signal after each change, and a
// function to stop receiving. Signals coalesce when the reader is slow.
func (f *Feed) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.subMu.Lock()
	f.subs[ch] = struct{}{}
	f.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.subMu.Lock()
			delete(f.subs, ch)
			f.subMu.Unlock()
		})
	}
}

func (f *Feed) broadcast() {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *Feed) removeLocked(key string) {
	if key == "" {
		return
	}
	for i, a := range f.items {
		if a.Key() == key {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return
		}
	}
}

func (f *Feed) notify(alert models.EmergencyAlert) {
	if f.notifier == nil || f.notifier.Permission() != PermissionGranted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	err := f.notifier.Notify(ctx, Summarize(alert))
	if err != nil {
		logrus.Warnf("Failed to notify for alert %s: %v", alert.Key(), err)
	}
	if o := f.observer; o != nil {
		o.Notified(err)
	}
}

func (f *Feed) writeSinks(alert models.EmergencyAlert, sinks []Sink) {
	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := s.Write(ctx, alert)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"sink":  s.Name(),
				"alert": alert.Key(),
			}).Errorf("Failed to write alert to sink: %v", err)
		}
		if o := f.observer; o != nil {
			o.SinkWritten(s.Name(), err)
		}
	}
}

func (f *Feed) observeRejected(reason string) {
	if o := f.observer; o != nil {
		o.Rejected(reason)
	}
}
