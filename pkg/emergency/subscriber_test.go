package emergency

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudcare/alert-desk/pkg/emergency/emergencytest"
	"github.com/cloudcare/alert-desk/pkg/models"
)

const waitTimeout = 2 * time.Second

func testAlert(id string, severity models.Severity) models.EmergencyAlert {
	return models.EmergencyAlert{
		AlertID:     id,
		PatientID:   "42",
		PatientName: "Jane Doe",
		AlertType:   models.AlertTypeCardiac,
		Severity:    severity,
		Description: "Heart rate 190 bpm",
		CreatedAt:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

type recorder struct {
	mu       sync.Mutex
	alerts   []models.EmergencyAlert
	errs     []error
	statuses []models.StatusUpdate
}

func (r *recorder) onAlert(a models.EmergencyAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) onStatus(u models.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, u)
}

func (r *recorder) alertIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		ids = append(ids, a.AlertID)
	}
	return ids
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) statusUpdates() []models.StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StatusUpdate(nil), r.statuses...)
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	srv := emergencytest.NewServer()
	defer srv.Close()

	rec := &recorder{}
	unsubscribe := NewSubscriber(srv.URL).Subscribe(rec.onAlert, rec.onError)
	defer unsubscribe()
	require.True(t, srv.WaitForClients(1, waitTimeout))

	for _, id := range []string{"A1", "A2", "A3"} {
		srv.BroadcastAlert(testAlert(id, models.SeverityHigh))
	}

	require.Eventually(t, func() bool { return len(rec.alertIDs()) == 3 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"A1", "A2", "A3"}, rec.alertIDs())
	assert.Empty(t, rec.errors())

	first := rec.alerts[0]
	assert.Equal(t, "42", first.PatientID)
	assert.Equal(t, "Jane Doe", first.PatientName)
	assert.Equal(t, models.AlertTypeCardiac, first.AlertType)
	assert.Equal(t, models.SeverityHigh, first.Severity)
	assert.Equal(t, "Heart rate 190 bpm", first.Description)
	assert.True(t, first.CreatedAt.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestSubscribeMalformedPayloadContinues(t *testing.T) {
	srv := emergencytest.NewServer()
	defer srv.Close()

	rec := &recorder{}
	unsubscribe := NewSubscriber(srv.URL).Subscribe(rec.onAlert, rec.onError)
	defer unsubscribe()
	require.True(t, srv.WaitForClients(1, waitTimeout))

	srv.BroadcastAlert(testAlert("A1", models.SeverityHigh))
	srv.Broadcast(EventAlert, "{not json")
	srv.Broadcast(EventAlert, `{"severity":"high"}`)
	srv.BroadcastAlert(testAlert("A2", models.SeverityLow))

	require.Eventually(t, func() bool { return len(rec.alertIDs()) == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"A1", "A2"}, rec.alertIDs())

	errs := rec.errors()
	require.Len(t, errs, 2)
	var perr *ParseError
	require.True(t, errors.As(errs[0], &perr))
	assert.Equal(t, "{not json", perr.Data)
	assert.ErrorIs(t, errs[1], models.ErrMissingIdentity)
	for _, err := range errs {
		assert.False(t, errors.Is(err, ErrStreamConnection))
	}
}

func TestSubscribePingIsNotForwarded(t *testing.T) {
	srv := emergencytest.NewServer()
	defer srv.Close()

	rec := &recorder{}
	pings := make(chan struct{}, 4)
	unsubscribe := NewSubscriber(srv.URL).Subscribe(rec.onAlert, rec.onError,
		WithPingHandler(func() { pings <- struct{}{} }))
	defer unsubscribe()
	require.True(t, srv.WaitForClients(1, waitTimeout))

	srv.Ping()
	srv.BroadcastAlert(testAlert("A1", models.SeverityMedium))

	require.Eventually(t, func() bool { return len(rec.alertIDs()) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Len(t, pings, 1)
	assert.Empty(t, rec.errors())
}

func TestSubscribeStatusUpdates(t *testing.T) {
	srv := emergencytest.NewServer()
	defer srv.Close()
	srv.Seed(testAlert("A1", models.SeverityCritical))

	rec := &recorder{}
	unsubscribe := NewSubscriber(srv.URL).Subscribe(rec.onAlert, rec.onError, WithStatusHandler(rec.onStatus))
	defer unsubscribe()
	require.True(t, srv.WaitForClients(1, waitTimeout))

	srv.Broadcast(EventAlert, `{"event":"alert_acknowledged","alert_id":"A1","responder_id":"dr-7","timestamp":"2025-03-01T10:05:00.123456"}`)

	require.Eventually(t, func() bool { return len(rec.statusUpdates()) == 1 }, waitTimeout, 5*time.Millisecond)
	u := rec.statusUpdates()[0]
	assert.Equal(t, "A1", u.AlertID)
	assert.Equal(t, "dr-7", u.ResponderID)
	assert.Equal(t, models.AlertStatusAcknowledged, u.Status())
	assert.Empty(t, rec.alertIDs())
}

func TestSubscribeConnectionErrors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := emergencytest.NewServer()
		defer srv.Close()
		srv.SetStreamStatus(http.StatusServiceUnavailable)

		rec := &recorder{}
		unsubscribe := NewSubscriber(srv.URL).Subscribe(rec.onAlert, rec.onError)
		defer unsubscribe()

		require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, waitTimeout, 5*time.Millisecond)
		assert.ErrorIs(t, rec.errors()[0], ErrStreamConnection)
	})

	t.Run("wrong content type", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[]`))
		}))
		defer srv.Close()

		rec := &recorder{}
		unsubscribe := NewSubscriber(srv.URL).Subscribe(rec.onAlert, rec.onError)
		defer unsubscribe()

		require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, waitTimeout, 5*time.Millisecond)
		assert.ErrorIs(t, rec.errors()[0], ErrStreamConnection)
	})

	t.Run("refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		rec := &recorder{}
		unsubscribe := NewSubscriber(addr).Subscribe(rec.onAlert, rec.onError)
		defer unsubscribe()

		require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, waitTimeout, 5*time.Millisecond)
		assert.ErrorIs(t, rec.errors()[0], ErrStreamConnection)
		var uerr *url.Error
		assert.True(t, errors.As(rec.errors()[0], &uerr), "transport error kept in chain: %v", rec.errors()[0])
	})

	t.Run("server closes stream", func(t *testing.T) {
		srv := emergencytest.NewServer()
		defer srv.Close()

		rec := &recorder{}
		unsubscribe := NewSubscriber(srv.URL).Subscribe(rec.onAlert, rec.onError)
		defer unsubscribe()
		require.True(t, srv.WaitForClients(1, waitTimeout))

		srv.DropClients()

		require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, waitTimeout, 5*time.Millisecond)
		assert.ErrorIs(t, rec.errors()[0], ErrStreamConnection)
		assert.ErrorIs(t, rec.errors()[0], ErrStreamClosed)

		// inert: no reconnect
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, srv.Connects())
	})
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	srv := emergencytest.NewServer()
	defer srv.Close()

	rec := &recorder{}
	unsubscribe := NewSubscriber(srv.URL).Subscribe(rec.onAlert, rec.onError)
	require.True(t, srv.WaitForClients(1, waitTimeout))

	srv.BroadcastAlert(testAlert("A1", models.SeverityHigh))
	require.Eventually(t, func() bool { return len(rec.alertIDs()) == 1 }, waitTimeout, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()

	require.Eventually(t, func() bool { return srv.Clients() == 0 }, waitTimeout, 5*time.Millisecond)
	srv.BroadcastAlert(testAlert("A2", models.SeverityHigh))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"A1"}, rec.alertIDs())
	assert.Empty(t, rec.errors())
}

func TestUnsubscribeFromCallback(t *testing.T) {
	srv := emergencytest.NewServer()
	defer srv.Close()

	var (
		unsubscribe func()
		ready       = make(chan struct{})
		returned    = make(chan struct{})
		rec         = &recorder{}
	)
	unsubscribe = NewSubscriber(srv.URL).Subscribe(func(a models.EmergencyAlert) {
		<-ready
		rec.onAlert(a)
		unsubscribe()
		close(returned)
	}, rec.onError)
	close(ready)
	require.True(t, srv.WaitForClients(1, waitTimeout))

	srv.BroadcastAlert(testAlert("A1", models.SeverityHigh))
	srv.BroadcastAlert(testAlert("A2", models.SeverityHigh))

	select {
	case <-returned:
	case <-time.After(waitTimeout):
		t.Fatal("unsubscribe from callback deadlocked")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"A1"}, rec.alertIDs())
}
