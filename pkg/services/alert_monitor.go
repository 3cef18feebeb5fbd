package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/emergency"
	"github.com/cloudcare/alert-desk/pkg/feed"
	"github.com/cloudcare/alert-desk/pkg/models"
	"github.com/cloudcare/alert-desk/pkg/session"
)

// StatusRecorder stores status-change broadcasts, e.g. the Timeplus archive
type StatusRecorder interface {
	RecordStatus(ctx context.Context, u models.StatusUpdate) error
}

// MonitorStatus is a point-in-time view of the monitor
type MonitorStatus struct {
	Running    bool      `json:"running"`
	Connected  bool      `json:"connected"`
	StreamURL  string    `json:"streamUrl"`
	Reconnects int64     `json:"reconnects"`
	FeedSize   int       `json:"feedSize"`
	LastError  string    `json:"lastError,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
}

// AlertMonitor keeps the emergency stream connected and feeds every alert into
// the local feed. REST actions go through the same emergency service.
type AlertMonitor struct {
	service    *emergency.Service
	subscriber *emergency.Subscriber
	supervisor *emergency.Supervisor
	feed       *feed.Feed
	session    *session.Context
	recorders  []StatusRecorder
	state      *streamState

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	lastErr   atomic.Value
}

// newAlertMonitor creates a new alert monitor. The subscriber should have been
// built with state as its StreamObserver so connection state is tracked.
func newAlertMonitor(service *emergency.Service, subscriber *emergency.Subscriber, cfg emergency.SupervisorConfig, f *feed.Feed, sess *session.Context, state *streamState) *AlertMonitor {
	if state == nil {
		state = newStreamState(nil)
	}
	am := &AlertMonitor{
		service:    service,
		subscriber: subscriber,
		feed:       f,
		session:    sess,
		state:      state,
	}
	am.supervisor = emergency.NewSupervisor(subscriber, cfg, emergency.Handlers{
		OnAlert:  am.handleAlert,
		OnStatus: am.handleStatus,
		OnError:  am.handleError,
	})
	return am
}

// AddStatusRecorder registers a recorder for status changes
func (am *AlertMonitor) AddStatusRecorder(r StatusRecorder) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.recorders = append(am.recorders, r)
}

// Feed returns the feed alerts are delivered to
func (am *AlertMonitor) Feed() *feed.Feed {
	return am.feed
}

// Service returns the emergency REST service
func (am *AlertMonitor) Service() *emergency.Service {
	return am.service
}

// Session returns the session the monitor runs for
func (am *AlertMonitor) Session() *session.Context {
	return am.session
}

// Start runs the stream supervisor in the background
func (am *AlertMonitor) Start(ctx context.Context) error {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.cancel != nil {
		return errors.New("alert monitor already started")
	}

	logrus.Infof("Starting Alert Monitor on %s", am.subscriber.URL())
	runCtx, cancel := context.WithCancel(ctx)
	am.cancel = cancel
	am.done = make(chan struct{})
	am.startedAt = time.Now()

	go func() {
		defer close(am.done)
		err := am.supervisor.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.Errorf("Alert Monitor stopped: %v", err)
			am.lastErr.Store(err.Error())
		}
		am.state.connected.Store(false)
	}()
	return nil
}

// Shutdown stops the monitor and waits for the stream to close
func (am *AlertMonitor) Shutdown() {
	am.mu.Lock()
	cancel, done := am.cancel, am.done
	am.mu.Unlock()
	if cancel == nil {
		return
	}

	logrus.Info("Shutting down Alert Monitor service")
	cancel()
	<-done
}

// Done is closed when the monitor stops. It is nil before Start.
func (am *AlertMonitor) Done() <-chan struct{} {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.done
}

// Status reports the monitor and stream state
func (am *AlertMonitor) Status() MonitorStatus {
	am.mu.Lock()
	running := am.cancel != nil
	startedAt := am.startedAt
	done := am.done
	am.mu.Unlock()

	if done != nil {
		select {
		case <-done:
			running = false
		default:
		}
	}

	st := MonitorStatus{
		Running:    running,
		Connected:  am.state.IsConnected(),
		StreamURL:  am.subscriber.URL(),
		Reconnects: am.supervisor.Reconnects(),
		FeedSize:   am.feed.Len(),
		StartedAt:  startedAt,
	}
	if s, ok := am.lastErr.Load().(string); ok {
		st.LastError = s
	}
	return st
}

// Acknowledge acknowledges an alert on behalf of the session user
func (am *AlertMonitor) Acknowledge(ctx context.Context, alertID string) (*models.ActionResponse, error) {
	responder := am.ResponderID()
	resp, err := am.service.AcknowledgeAlert(ctx, alertID, responder)
	if err != nil {
		return nil, fmt.Errorf("acknowledge %s: %w", alertID, err)
	}
	return resp, nil
}

// Respond marks the session user as responding to an alert
func (am *AlertMonitor) Respond(ctx context.Context, alertID, notes string) (*models.ActionResponse, error) {
	resp, err := am.service.RespondToAlert(ctx, alertID, am.ResponderID(), notes)
	if err != nil {
		return nil, fmt.Errorf("respond to %s: %w", alertID, err)
	}
	return resp, nil
}

// ResponderID identifies the session user in status actions
func (am *AlertMonitor) ResponderID() string {
	if am.session != nil && am.session.UserID != "" {
		return am.session.UserID
	}
	if am.session != nil {
		return am.session.ID.String()
	}
	return "alert-desk"
}

func (am *AlertMonitor) handleAlert(alert models.EmergencyAlert) {
	logrus.WithFields(logrus.Fields{
		"alert":    alert.Key(),
		"patient":  alert.PatientID,
		"severity": alert.Severity,
	}).Info("Emergency alert received")
	am.feed.Add(alert)
}

func (am *AlertMonitor) handleStatus(u models.StatusUpdate) {
	logrus.Infof("Alert %s status changed: %s", u.AlertID, u.Event)
	am.feed.ApplyStatus(u)

	am.mu.Lock()
	recorders := append([]StatusRecorder(nil), am.recorders...)
	am.mu.Unlock()

	for _, r := range recorders {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.RecordStatus(ctx, u); err != nil {
			logrus.Errorf("Failed to record status of %s: %v", u.AlertID, err)
		}
		cancel()
	}
}

func (am *AlertMonitor) handleError(err error) {
	am.lastErr.Store(err.Error())
}
