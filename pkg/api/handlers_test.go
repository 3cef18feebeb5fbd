package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/emergency/emergencytest"
	"github.com/cloudcare/alert-desk/pkg/models"
	"github.com/cloudcare/alert-desk/pkg/services"
)

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) History(ctx context.Context, limit int, severity models.Severity) ([]models.EmergencyAlert, error) {
	args := m.Called(ctx, limit, severity)
	alerts, _ := args.Get(0).([]models.EmergencyAlert)
	return alerts, args.Error(1)
}

func testConfig(url string) *config.Config {
	return &config.Config{
		Services: config.ServicesConfig{Emergency: url},
		Client:   config.ClientConfig{Timeout: 5 * time.Second},
		Feed:     config.FeedConfig{Capacity: 10},
		Session:  config.SessionConfig{Role: "doctor", UserID: "doc-1"},
	}
}

// setupTestRouter creates a test router backed by a fake emergency service
func setupTestRouter(t *testing.T, history HistoryStore) (*echo.Echo, *emergencytest.Server, *services.Desk) {
	t.Helper()
	srv := emergencytest.NewServer()
	t.Cleanup(srv.Close)

	desk, err := services.NewDesk(context.Background(), testConfig(srv.URL))
	require.NoError(t, err)
	t.Cleanup(desk.Close)

	e := echo.New()
	NewAPIHandler(desk.Monitor, history).SetupRoutes(e)
	return e, srv, desk
}

func testAlert(id string, severity models.Severity) models.EmergencyAlert {
	return models.EmergencyAlert{
		AlertID:     id,
		PatientID:   "42",
		AlertType:   models.AlertTypeCriticalVitals,
		Severity:    severity,
		Description: "Heart rate 150",
		Status:      models.AlertStatusActive,
	}
}

func serve(e *echo.Echo, method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeAlerts(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var alerts []models.EmergencyAlert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.AlertID)
	}
	return ids
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestGetFeed(t *testing.T) {
	router, _, desk := setupTestRouter(t, nil)
	f := desk.Monitor.Feed()
	f.Add(testAlert("A1", models.SeverityLow))
	f.Add(testAlert("A2", models.SeverityCritical))
	f.Add(testAlert("A3", models.SeverityHigh))

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantIDs    []string
	}{
		{"all, most recent first", "", http.StatusOK, []string{"A3", "A2", "A1"}},
		{"one severity", "?severity=critical", http.StatusOK, []string{"A2"}},
		{"minimum severity", "?min_severity=high", http.StatusOK, []string{"A3", "A2"}},
		{"no match", "?severity=medium", http.StatusOK, []string{}},
		{"invalid severity", "?severity=urgent", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, http.MethodGet, "/api/feed"+tt.query, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantIDs, decodeAlerts(t, rec))
			}
		})
	}
}

func TestClearFeed(t *testing.T) {
	router, _, desk := setupTestRouter(t, nil)
	desk.Monitor.Feed().Add(testAlert("A1", models.SeverityLow))

	rec := serve(router, http.MethodDelete, "/api/feed", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, desk.Monitor.Feed().Len())
}

func TestGetAlerts(t *testing.T) {
	router, srv, _ := setupTestRouter(t, nil)
	resolved := testAlert("A1", models.SeverityLow)
	resolved.Status = models.AlertStatusResolved
	srv.Seed(resolved, testAlert("A2", models.SeverityHigh), testAlert("A3", models.SeverityCritical))

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantIDs    []string
	}{
		{"active by default", "", http.StatusOK, []string{"A3", "A2"}},
		{"include inactive", "?active_only=false", http.StatusOK, []string{"A3", "A2", "A1"}},
		{"severity", "?severity=high", http.StatusOK, []string{"A2"}},
		{"paging", "?active_only=false&skip=1&limit=1", http.StatusOK, []string{"A2"}},
		{"bad limit", "?limit=ten", http.StatusBadRequest, nil},
		{"bad active_only", "?active_only=maybe", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, http.MethodGet, "/api/alerts"+tt.query, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantIDs, decodeAlerts(t, rec))
			}
		})
	}
}

func TestGetAlert(t *testing.T) {
	router, srv, _ := setupTestRouter(t, nil)
	srv.Seed(testAlert("A1", models.SeverityHigh))

	rec := serve(router, http.MethodGet, "/api/alerts/A1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.EmergencyAlert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "A1", got.AlertID)

	rec = serve(router, http.MethodGet, "/api/alerts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Alert missing not found", errorMessage(t, rec))
}

func TestAlertActions(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		body           interface{}
		wantStatus     models.AlertStatus
		wantMessage    string
		wantResponders []string
		wantNotes      string
	}{
		{
			name:           "acknowledge as session user",
			path:           "acknowledge",
			wantStatus:     models.AlertStatusAcknowledged,
			wantMessage:    "Alert A1 acknowledged",
			wantResponders: []string{"doc-1"},
		},
		{
			name:           "respond with explicit responder",
			path:           "respond",
			body:           map[string]string{"responder_id": "medic-7", "notes": "en route"},
			wantStatus:     models.AlertStatusResponding,
			wantMessage:    "Responding to alert A1",
			wantResponders: []string{"medic-7"},
			wantNotes:      "en route",
		},
		{
			name:        "resolve",
			path:        "resolve",
			body:        map[string]string{"resolution_notes": "patient stable"},
			wantStatus:  models.AlertStatusResolved,
			wantMessage: "Alert A1 resolved",
			wantNotes:   "patient stable",
		},
		{
			name:        "false alarm",
			path:        "false-alarm",
			body:        map[string]string{"notes": "sensor loose"},
			wantStatus:  models.AlertStatusFalseAlarm,
			wantMessage: "Alert A1 marked as false alarm",
			wantNotes:   "sensor loose",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, srv, _ := setupTestRouter(t, nil)
			srv.Seed(testAlert("A1", models.SeverityHigh))

			rec := serve(router, http.MethodPost, "/api/alerts/A1/"+tt.path, tt.body)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp models.ActionResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, tt.wantMessage, resp.Message)

			stored, ok := srv.Alert("A1")
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, tt.wantResponders, stored.Responders)
			assert.Equal(t, tt.wantNotes, stored.Notes)
		})
	}
}

func TestAlertActionNotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t, nil)

	rec := serve(router, http.MethodPost, "/api/alerts/missing/acknowledge", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Alert missing not found", errorMessage(t, rec))
}

func TestGetStatistics(t *testing.T) {
	router, srv, _ := setupTestRouter(t, nil)
	srv.Seed(testAlert("A1", models.SeverityCritical), testAlert("A2", models.SeverityLow))

	rec := serve(router, http.MethodGet, "/api/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.EmergencyStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalAlerts)
	assert.Equal(t, 2, stats.ActiveAlerts)
	assert.Equal(t, 1, stats.CriticalActive)
}

func TestUpstreamFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	tests := []struct {
		name       string
		url        string
		timeout    time.Duration
		wantStatus int
	}{
		{"unreachable", "http://127.0.0.1:1", 5 * time.Second, http.StatusBadGateway},
		{"timeout", slow.URL, 50 * time.Millisecond, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.url)
			cfg.Client.Timeout = tt.timeout
			desk, err := services.NewDesk(context.Background(), cfg)
			require.NoError(t, err)
			defer desk.Close()

			e := echo.New()
			NewAPIHandler(desk.Monitor, nil).SetupRoutes(e)

			rec := serve(e, http.MethodGet, "/api/statistics", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, errorMessage(t, rec))
		})
	}
}

func TestGetHistory(t *testing.T) {
	t.Run("archive disabled", func(t *testing.T) {
		router, _, _ := setupTestRouter(t, nil)
		rec := serve(router, http.MethodGet, "/api/history", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("archive enabled", func(t *testing.T) {
		history := &MockHistory{}
		history.On("History", mock.Anything, 5, models.SeverityHigh).
			Return([]models.EmergencyAlert{testAlert("A9", models.SeverityHigh)}, nil)
		history.On("History", mock.Anything, 100, models.Severity("")).
			Return(nil, errors.New("connection reset"))

		router, _, _ := setupTestRouter(t, history)

		rec := serve(router, http.MethodGet, "/api/history?limit=5&severity=high", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"A9"}, decodeAlerts(t, rec))

		rec = serve(router, http.MethodGet, "/api/history", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		rec = serve(router, http.MethodGet, "/api/history?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		history.AssertExpectations(t)
	})
}

func TestGetSession(t *testing.T) {
	router, _, desk := setupTestRouter(t, nil)

	rec := serve(router, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "doctor", body["role"])
	assert.Equal(t, "doc-1", body["userId"])
	assert.Equal(t, desk.Monitor.Session().ID.String(), body["id"])
}

func TestHealth(t *testing.T) {
	router, srv, desk := setupTestRouter(t, nil)

	rec := serve(router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, desk.Monitor.Start(context.Background()))
	require.True(t, srv.WaitForClients(1, 5*time.Second))

	rec = serve(router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st services.MonitorStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)
}
