package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/apiclient"
	"github.com/cloudcare/alert-desk/pkg/models"
	"github.com/cloudcare/alert-desk/pkg/services"
)

// HistoryStore serves archived alerts, e.g. the Timeplus archive
type HistoryStore interface {
	History(ctx context.Context, limit int, severity models.Severity) ([]models.EmergencyAlert, error)
}

// APIHandler handles HTTP API requests
type APIHandler struct {
	monitor *services.AlertMonitor
	history HistoryStore
}

// NewAPIHandler creates a new API handler. history may be nil.
func NewAPIHandler(monitor *services.AlertMonitor, history HistoryStore) *APIHandler {
	return &APIHandler{
		monitor: monitor,
		history: history,
	}
}

// actionRequest is the body accepted by the alert action endpoints
type actionRequest struct {
	ResponderID     string `json:"responder_id"`
	Notes           string `json:"notes"`
	ResolutionNotes string `json:"resolution_notes"`
}

// GetFeed returns the local feed, most recent first
func (h *APIHandler) GetFeed(c echo.Context) error {
	severity := models.Severity(c.QueryParam("severity"))
	if severity != "" && !severity.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid severity %q", severity)})
	}
	minSeverity := models.Severity(c.QueryParam("min_severity"))
	if minSeverity != "" && !minSeverity.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid min_severity %q", minSeverity)})
	}

	alerts := []models.EmergencyAlert{}
	for _, a := range h.monitor.Feed().Snapshot() {
		if severity != "" && a.Severity != severity {
			continue
		}
		if minSeverity != "" && !a.Severity.AtLeast(minSeverity) {
			continue
		}
		alerts = append(alerts, a)
	}
	return c.JSON(http.StatusOK, alerts)
}

// ClearFeed empties the local feed
func (h *APIHandler) ClearFeed(c echo.Context) error {
	h.monitor.Feed().Clear()
	return c.JSON(http.StatusOK, map[string]string{"message": "Feed cleared"})
}

// GetAlerts lists alerts from the emergency service
func (h *APIHandler) GetAlerts(c echo.Context) error {
	params, err := listParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	alerts, err := h.monitor.Service().ListAlerts(c.Request().Context(), params)
	if err != nil {
		logrus.Errorf("Error listing alerts: %v", err)
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, alerts)
}

// GetAlert returns one alert from the emergency service
func (h *APIHandler) GetAlert(c echo.Context) error {
	id := c.Param("id")
	alert, err := h.monitor.Service().GetAlert(c.Request().Context(), id)
	if err != nil {
		logrus.Errorf("Error getting alert %s: %v", id, err)
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, alert)
}

// AcknowledgeAlert acknowledges an alert. The responder defaults to the
// session user.
func (h *APIHandler) AcknowledgeAlert(c echo.Context) error {
	return h.action(c, "acknowledge", func(ctx context.Context, id string, req actionRequest) (*models.ActionResponse, error) {
		return h.monitor.Service().AcknowledgeAlert(ctx, id, h.responder(req))
	})
}

// RespondToAlert marks the responder as on the way
func (h *APIHandler) RespondToAlert(c echo.Context) error {
	return h.action(c, "respond to", func(ctx context.Context, id string, req actionRequest) (*models.ActionResponse, error) {
		return h.monitor.Service().RespondToAlert(ctx, id, h.responder(req), req.Notes)
	})
}

// ResolveAlert resolves an alert
func (h *APIHandler) ResolveAlert(c echo.Context) error {
	return h.action(c, "resolve", func(ctx context.Context, id string, req actionRequest) (*models.ActionResponse, error) {
		notes := req.ResolutionNotes
		if notes == "" {
			notes = req.Notes
		}
		return h.monitor.Service().ResolveAlert(ctx, id, notes)
	})
}

// MarkFalseAlarm marks an alert as a false alarm
func (h *APIHandler) MarkFalseAlarm(c echo.Context) error {
	return h.action(c, "mark false alarm", func(ctx context.Context, id string, req actionRequest) (*models.ActionResponse, error) {
		return h.monitor.Service().MarkFalseAlarm(ctx, id, req.Notes)
	})
}

// GetStatistics returns the emergency service statistics
func (h *APIHandler) GetStatistics(c echo.Context) error {
	stats, err := h.monitor.Service().GetStatistics(c.Request().Context())
	if err != nil {
		logrus.Errorf("Error getting statistics: %v", err)
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// GetHistory returns archived alerts
func (h *APIHandler) GetHistory(c echo.Context) error {
	if h.history == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Alert archive is not enabled"})
	}
	limit := 100
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
		limit = n
	}
	severity := models.Severity(c.QueryParam("severity"))
	if severity != "" && !severity.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid severity %q", severity)})
	}

	alerts, err := h.history.History(c.Request().Context(), limit, severity)
	if err != nil {
		logrus.Errorf("Error getting alert history: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get alert history"})
	}
	return c.JSON(http.StatusOK, alerts)
}

// GetSession returns the session the desk runs for
func (h *APIHandler) GetSession(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitor.Session())
}

// GetStatus returns the monitor status
func (h *APIHandler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitor.Status())
}

// Health answers 200 while the monitor runs and 503 once it has stopped
func (h *APIHandler) Health(c echo.Context) error {
	st := h.monitor.Status()
	if !st.Running {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "stopped", "error": st.LastError})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok", "connected": st.Connected})
}

func (h *APIHandler) action(c echo.Context, verb string, fn func(context.Context, string, actionRequest) (*models.ActionResponse, error)) error {
	id := c.Param("id")
	var req actionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			logrus.Errorf("Error binding %s request: %v", verb, err)
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
		}
	}

	resp, err := fn(c.Request().Context(), id, req)
	if err != nil {
		logrus.Errorf("Failed to %s alert %s: %v", verb, id, err)
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) responder(req actionRequest) string {
	if req.ResponderID != "" {
		return req.ResponderID
	}
	return h.monitor.ResponderID()
}

func listParams(c echo.Context) (models.ListAlertsParams, error) {
	var p models.ListAlertsParams
	var err error
	if s := c.QueryParam("skip"); s != "" {
		if p.Skip, err = strconv.Atoi(s); err != nil || p.Skip < 0 {
			return p, errors.New("Invalid skip")
		}
	}
	if s := c.QueryParam("limit"); s != "" {
		if p.Limit, err = strconv.Atoi(s); err != nil || p.Limit < 0 {
			return p, errors.New("Invalid limit")
		}
	}
	if s := c.QueryParam("active_only"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return p, errors.New("Invalid active_only")
		}
		p.ActiveOnly = &v
	}
	p.Severity = models.Severity(c.QueryParam("severity"))
	if p.Severity != "" && !p.Severity.Valid() {
		return p, fmt.Errorf("Invalid severity %q", p.Severity)
	}
	return p, nil
}

// upstreamError mirrors the emergency service status where there is one
func upstreamError(c echo.Context, err error) error {
	var statusErr *apiclient.HTTPStatusError
	switch {
	case errors.As(err, &statusErr):
		return c.JSON(statusErr.Status, map[string]string{"error": statusErr.Message})
	case apiclient.IsTimeout(err):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

// SetupRoutes sets up the API routes
func (h *APIHandler) SetupRoutes(e *echo.Echo) {
	// Local feed
	e.GET("/api/feed", h.GetFeed)
	e.DELETE("/api/feed", h.ClearFeed)
	e.GET("/api/history", h.GetHistory)

	// Emergency service
	e.GET("/api/alerts", h.GetAlerts)
	e.GET("/api/alerts/:id", h.GetAlert)
	e.POST("/api/alerts/:id/acknowledge", h.AcknowledgeAlert)
	e.POST("/api/alerts/:id/respond", h.RespondToAlert)
	e.POST("/api/alerts/:id/resolve", h.ResolveAlert)
	e.POST("/api/alerts/:id/false-alarm", h.MarkFalseAlarm)
	e.GET("/api/statistics", h.GetStatistics)

	// Desk
	e.GET("/api/session", h.GetSession)
	e.GET("/api/status", h.GetStatus)
	e.GET("/healthz", h.Health)
}
