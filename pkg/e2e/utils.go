// Package e2e runs the desk end to end against an in-process emergency API.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/cloudcare/alert-desk/pkg/api"
	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/emergency/emergencytest"
	"github.com/cloudcare/alert-desk/pkg/feed"
	"github.com/cloudcare/alert-desk/pkg/metrics"
	"github.com/cloudcare/alert-desk/pkg/models"
	"github.com/cloudcare/alert-desk/pkg/services"
)

const waitTimeout = 5 * time.Second

// Harness is a running desk with its HTTP API, wired to a fake emergency API
type Harness struct {
	Emergency *emergencytest.Server
	Desk      *services.Desk
	Metrics   *metrics.Metrics
	API       *httptest.Server
}

// StartDesk starts a desk against a fresh emergency API. configure may adjust
// the configuration before the desk is built.
func StartDesk(t *testing.T, configure func(*config.Config)) *Harness {
	t.Helper()
	srv := emergencytest.NewServer()
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Services: config.ServicesConfig{Emergency: srv.URL},
		Client:   config.ClientConfig{Timeout: 5 * time.Second},
		Stream: config.StreamConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			DedupWindow:     64,
		},
		Feed:    config.FeedConfig{Capacity: feed.DefaultCapacity},
		Session: config.SessionConfig{Role: "doctor", UserID: "dr-house"},
	}
	if configure != nil {
		configure(cfg)
	}

	m := metrics.New("e2e")
	desk, err := services.NewDesk(context.Background(), cfg, services.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(desk.Close)

	require.NoError(t, desk.Monitor.Start(context.Background()))
	require.True(t, srv.WaitForClients(1, waitTimeout), "desk did not connect to the stream")

	e := echo.New()
	api.NewAPIHandler(desk.Monitor, nil).SetupRoutes(e)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	apiServer := httptest.NewServer(e)
	t.Cleanup(apiServer.Close)

	return &Harness{Emergency: srv, Desk: desk, Metrics: m, API: apiServer}
}

// Feed returns the desk's local feed
func (h *Harness) Feed() *feed.Feed {
	return h.Desk.Monitor.Feed()
}

// WaitForFeed waits until the feed holds n alerts
func WaitForFeed(f *feed.Feed, n int) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if f.Len() == n {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %d alerts in feed, have %d", n, f.Len())
}

// WaitForStatus waits until the feed copy of alertID has status
func WaitForStatus(f *feed.Feed, alertID string, status models.AlertStatus) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if a, ok := f.Get(alertID); ok && a.Status == status {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	a, _ := f.Get(alertID)
	return fmt.Errorf("timed out waiting for alert %s to be %s, is %q", alertID, status, a.Status)
}

// Call issues a request against the desk API and decodes the JSON answer into
// out when out is non-nil
func (h *Harness) Call(method, path string, body, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, h.API.URL+path, &buf)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.API.Client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s %s: %w", method, path, err)
		}
	}
	logrus.Debugf("%s %s -> %d", method, path, resp.StatusCode)
	return resp.StatusCode, nil
}
