// Package emergency talks to the CloudCare emergency API: the alert stream and
// the REST endpoints that raise, list and transition alerts.
package emergency

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/apiclient"
	"github.com/cloudcare/alert-desk/pkg/models"
)

const alertsPath = "/api/emergency/alerts"

// Service wraps the emergency REST endpoints
type Service struct {
	client *apiclient.Client
}

// NewService creates a service over client
func NewService(client *apiclient.Client) *Service {
	return &Service{client: client}
}

// Client exposes the underlying request client
func (s *Service) Client() *apiclient.Client {
	return s.client
}

// CreateAlert raises a new alert. The emergency API broadcasts it on the
// stream once stored.
func (s *Service) CreateAlert(ctx context.Context, req *models.CreateEmergencyAlertRequest) (*models.EmergencyAlert, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alert: %w", err)
	}

	resp, err := s.client.Post(ctx, alertsPath, req)
	if err != nil {
		return nil, err
	}

	var alert models.EmergencyAlert
	if err := resp.Decode(&alert); err != nil {
		return nil, fmt.Errorf("failed to decode created alert: %w", err)
	}
	logrus.Infof("Created emergency alert %s for patient %s (%s)", alert.AlertID, alert.PatientID, alert.Severity)
	return &alert, nil
}

// GetAlert fetches one alert by its alertId
func (s *Service) GetAlert(ctx context.Context, alertID string) (*models.EmergencyAlert, error) {
	resp, err := s.client.Get(ctx, alertPath(alertID, ""), nil)
	if err != nil {
		return nil, err
	}

	var alert models.EmergencyAlert
	if err := resp.Decode(&alert); err != nil {
		return nil, fmt.Errorf("failed to decode alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// ListAlerts returns alerts matching params, newest first
func (s *Service) ListAlerts(ctx context.Context, params models.ListAlertsParams) ([]models.EmergencyAlert, error) {
	resp, err := s.client.Get(ctx, alertsPath, params.Values())
	if err != nil {
		return nil, err
	}

	var alerts []models.EmergencyAlert
	if err := resp.Decode(&alerts); err != nil {
		return nil, fmt.Errorf("failed to decode alert list: %w", err)
	}
	return alerts, nil
}

// GetPatientAlerts returns the alerts raised for one patient
func (s *Service) GetPatientAlerts(ctx context.Context, patientID string, activeOnly bool) ([]models.EmergencyAlert, error) {
	path := "/api/emergency/patients/" + url.PathEscape(patientID) + "/alerts"
	query := url.Values{"active_only": {strconv.FormatBool(activeOnly)}}

	resp, err := s.client.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}

	var alerts []models.EmergencyAlert
	if err := resp.Decode(&alerts); err != nil {
		return nil, fmt.Errorf("failed to decode alerts for patient %s: %w", patientID, err)
	}
	return alerts, nil
}

// AcknowledgeAlert records that responderID has seen the alert
func (s *Service) AcknowledgeAlert(ctx context.Context, alertID, responderID string) (*models.ActionResponse, error) {
	return s.action(ctx, alertID, "acknowledge", map[string]string{"responder_id": responderID})
}

// RespondToAlert records that responderID is on the way
func (s *Service) RespondToAlert(ctx context.Context, alertID, responderID, notes string) (*models.ActionResponse, error) {
	body := map[string]string{"responder_id": responderID}
	if notes != "" {
		body["notes"] = notes
	}
	return s.action(ctx, alertID, "respond", body)
}

// ResolveAlert closes the alert
func (s *Service) ResolveAlert(ctx context.Context, alertID, resolutionNotes string) (*models.ActionResponse, error) {
	return s.action(ctx, alertID, "resolve", map[string]string{"resolution_notes": resolutionNotes})
}

// MarkFalseAlarm closes the alert as a false alarm
func (s *Service) MarkFalseAlarm(ctx context.Context, alertID, notes string) (*models.ActionResponse, error) {
	return s.action(ctx, alertID, "false-alarm", map[string]string{"notes": notes})
}

// GetStatistics returns system-wide alert counts
func (s *Service) GetStatistics(ctx context.Context) (*models.EmergencyStatistics, error) {
	resp, err := s.client.Get(ctx, "/api/emergency/statistics", nil)
	if err != nil {
		return nil, err
	}

	var stats models.EmergencyStatistics
	if err := resp.Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode statistics: %w", err)
	}
	return &stats, nil
}

func (s *Service) action(ctx context.Context, alertID, verb string, body interface{}) (*models.ActionResponse, error) {
	resp, err := s.client.Patch(ctx, alertPath(alertID, verb), body)
	if err != nil {
		return nil, err
	}

	var out models.ActionResponse
	if resp.IsJSON() && len(resp.Body) > 0 {
		if err := resp.Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", verb, err)
		}
	} else {
		out = models.ActionResponse{Success: true, Message: resp.Text}
	}
	logrus.Infof("Alert %s: %s -> %v", alertID, verb, out.Success)
	return &out, nil
}

func alertPath(alertID, verb string) string {
	p := alertsPath + "/" + url.PathEscape(alertID)
	if verb != "" {
		p += "/" + verb
	}
	return p
}
