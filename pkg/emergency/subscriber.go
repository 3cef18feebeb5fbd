package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/models"
	"github.com/cloudcare/alert-desk/pkg/sse"
)

// StreamPath is the alert stream endpoint on the emergency API
const StreamPath = "/api/emergency/stream"

// Event names carried on the stream
const (
	EventAlert = "emergency_alert"
	EventPing  = "ping"
)

// ErrStreamConnection is wrapped by every connection-level failure passed to
// onError. After it is reported the subscription is inert.
var ErrStreamConnection = errors.New("SSE connection error")

// ErrStreamClosed is wrapped when the server closes the stream
var ErrStreamClosed = errors.New("stream closed by server")

// ParseError reports one malformed alert payload. The subscription keeps
// running.
type ParseError struct {
	Event string
	Data  string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Event, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StreamObserver receives connection lifecycle signals, used for metrics
type StreamObserver interface {
	Connected()
	Event(name string)
	ParseFailed()
	Disconnected(err error)
}

// SubscriberOption configures a Subscriber
type SubscriberOption func(*Subscriber)

// WithStreamHTTPClient sets the client used for the stream. It must not have a
// Timeout: the connection is expected to live for the whole session.
func WithStreamHTTPClient(hc *http.Client) SubscriberOption {
	return func(s *Subscriber) {
		s.client = hc
	}
}

// WithStreamHeaders adds headers to the stream request
func WithStreamHeaders(headers map[string]string) SubscriberOption {
	return func(s *Subscriber) {
		for k, v := range headers {
			s.headers[k] = v
		}
	}
}

// WithStreamObserver installs a lifecycle observer
func WithStreamObserver(o StreamObserver) SubscriberOption {
	return func(s *Subscriber) {
		s.observer = o
	}
}

// Subscriber opens alert stream subscriptions against one emergency API
type Subscriber struct {
	url      string
	client   *http.Client
	headers  map[string]string
	observer StreamObserver
}

// NewSubscriber creates a subscriber for the emergency API at baseURL
func NewSubscriber(baseURL string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		url:     strings.TrimRight(baseURL, "/") + StreamPath,
		client:  &http.Client{},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the stream endpoint
func (s *Subscriber) URL() string {
	return s.url
}

// SubscribeOption configures a single subscription
type SubscribeOption func(*subscription)

// WithStatusHandler receives status-change broadcasts (acknowledged,
// responding, resolved, false alarm). Without it they are dropped.
func WithStatusHandler(fn func(models.StatusUpdate)) SubscribeOption {
	return func(sub *subscription) {
		sub.onStatus = fn
	}
}

// WithPingHandler is called for every keepalive event
func WithPingHandler(fn func()) SubscribeOption {
	return func(sub *subscription) {
		sub.onPing = fn
	}
}

// Subscribe opens the stream and calls onAlert once per parsed alert, in the
// order received. onError, if non-nil, receives a *ParseError for each
// malformed payload and an ErrStreamConnection-wrapped error when the
// connection fails; there is no reconnect.
//
// The returned function closes the stream. It is safe to call more than once
// and from inside a callback. Once it returns, no further callback starts.
func (s *Subscriber) Subscribe(onAlert func(models.EmergencyAlert), onError func(error), opts ...SubscribeOption) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		s:       s,
		onAlert: onAlert,
		onError: onError,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	go func() {
		defer close(sub.done)
		sub.run(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.stopped.Store(true)
			cancel()
			// Called from a callback the stream goroutine cannot finish
			// until we return, so only wait when no callback is running.
			if sub.inflight.Load() == 0 {
				<-sub.done
			}
			logrus.Debugf("Emergency stream unsubscribed: %s", s.url)
		})
	}
}

type subscription struct {
	s        *Subscriber
	onAlert  func(models.EmergencyAlert)
	onError  func(error)
	onStatus func(models.StatusUpdate)
	onPing   func()

	stopped  atomic.Bool
	inflight atomic.Int32
	done     chan struct{}
}

// deliver runs fn unless the subscription was stopped
func (sub *subscription) deliver(fn func()) {
	sub.inflight.Add(1)
	defer sub.inflight.Add(-1)
	if sub.stopped.Load() {
		return
	}
	fn()
}

func (sub *subscription) run(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.s.url, nil)
	if err != nil {
		sub.fail(ctx, err)
		return
	}
	req.Header.Set("Accept", sse.ContentType)
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range sub.s.headers {
		req.Header.Set(k, v)
	}

	resp, err := sub.s.client.Do(req)
	if err != nil {
		sub.fail(ctx, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		sub.fail(ctx, fmt.Errorf("unexpected status %s", resp.Status))
		return
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != sse.ContentType {
		sub.fail(ctx, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
		return
	}

	logrus.Infof("Emergency stream connected: %s", sub.s.url)
	if o := sub.s.observer; o != nil {
		o.Connected()
	}

	for ev, err := range sse.Events(resp.Body) {
		if err != nil {
			sub.fail(ctx, err)
			return
		}
		if sub.stopped.Load() {
			return
		}
		if o := sub.s.observer; o != nil {
			o.Event(ev.Name)
		}

		switch ev.Name {
		case EventAlert:
			sub.handleAlert(ev)
		case EventPing:
			logrus.Debug("Emergency stream keepalive")
			if sub.onPing != nil {
				sub.deliver(sub.onPing)
			}
		default:
			logrus.Debugf("Ignoring stream event %q", ev.Name)
		}
	}
	sub.fail(ctx, ErrStreamClosed)
}

func (sub *subscription) handleAlert(ev sse.Event) {
	data := []byte(ev.Data)

	if models.IsStatusUpdate(data) {
		var update models.StatusUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			sub.parseFailed(ev, err)
			return
		}
		if sub.onStatus != nil {
			sub.deliver(func() { sub.onStatus(update) })
		}
		return
	}

	var alert models.EmergencyAlert
	if err := json.Unmarshal(data, &alert); err != nil {
		sub.parseFailed(ev, err)
		return
	}
	sub.deliver(func() { sub.onAlert(alert) })
}

func (sub *subscription) parseFailed(ev sse.Event, err error) {
	logrus.Errorf("Error parsing emergency alert: %v", err)
	if o := sub.s.observer; o != nil {
		o.ParseFailed()
	}
	if sub.onError != nil {
		perr := &ParseError{Event: ev.Name, Data: ev.Data, Err: err}
		sub.deliver(func() { sub.onError(perr) })
	}
}

// fail reports a connection-level failure unless the caller unsubscribed
func (sub *subscription) fail(ctx context.Context, err error) {
	if ctx.Err() != nil || sub.stopped.Load() {
		return
	}
	logrus.Errorf("Emergency SSE error: %v", err)
	if o := sub.s.observer; o != nil {
		o.Disconnected(err)
	}
	if sub.onError != nil {
		wrapped := fmt.Errorf("%w: %w", ErrStreamConnection, err)
		sub.deliver(func() { sub.onError(wrapped) })
	}
}
