package timeplus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/models"
)

// Archive records received alerts and status changes in Timeplus streams. It
// is a feed sink.
type Archive struct {
	client TimeplusClient
	now    func() time.Time
}

// NewArchive creates an archive over client
func NewArchive(client TimeplusClient) *Archive {
	return &Archive{client: client, now: time.Now}
}

// Setup creates the archive streams when they are missing
func (a *Archive) Setup(ctx context.Context) error {
	streams := []struct {
		name   string
		schema []Column
	}{
		{AlertsStream, GetAlertsSchema()},
		{StatusStream, GetStatusSchema()},
	}

	for _, s := range streams {
		exists, err := a.client.StreamExists(ctx, s.name)
		if err != nil {
			return fmt.Errorf("failed to check stream %s: %w", s.name, err)
		}
		if exists {
			logrus.Infof("Stream %s already exists", s.name)
			continue
		}
		if err := a.client.CreateStream(ctx, s.name, s.schema); err != nil {
			return err
		}
	}
	return nil
}

// Name identifies the sink in logs and metrics
func (a *Archive) Name() string {
	return "timeplus"
}

// Write appends alert to the alerts stream
func (a *Archive) Write(ctx context.Context, alert models.EmergencyAlert) error {
	triggerData := ""
	if len(alert.TriggerData) > 0 {
		triggerData = string(alert.TriggerData)
	}
	createdAt := alert.CreatedAt
	if createdAt.IsZero() {
		createdAt = a.now()
	}

	values := []interface{}{
		alert.AlertID,
		alert.PatientID,
		alert.PatientName,
		alert.HospitalID,
		string(alert.AlertType),
		string(alert.Severity),
		alert.Description,
		alert.Location,
		triggerData,
		createdAt,
		a.now(),
	}
	if err := a.client.InsertIntoStream(ctx, AlertsStream, columnNames(GetAlertsSchema()), values); err != nil {
		return fmt.Errorf("failed to archive alert %s: %w", alert.Key(), err)
	}
	return nil
}

// RecordStatus appends a status change to the status stream
func (a *Archive) RecordStatus(ctx context.Context, u models.StatusUpdate) error {
	var changedAt interface{}
	if !u.Timestamp.IsZero() {
		changedAt = u.Timestamp
	}

	values := []interface{}{
		u.AlertID,
		u.Event,
		string(u.Status()),
		u.ResponderID,
		changedAt,
		a.now(),
	}
	if err := a.client.InsertIntoStream(ctx, StatusStream, columnNames(GetStatusSchema()), values); err != nil {
		return fmt.Errorf("failed to archive status of %s: %w", u.AlertID, err)
	}
	return nil
}

// HistoryQuery renders the query behind History
func HistoryQuery(limit int, severity models.Severity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM table(`%s`)", strings.Join(columnNames(GetAlertsSchema()), ", "), AlertsStream)
	if severity != "" {
		fmt.Fprintf(&b, " WHERE severity = %s", quote(string(severity)))
	}
	fmt.Fprintf(&b, " ORDER BY received_at DESC LIMIT %d", limit)
	return b.String()
}

// History returns up to limit archived alerts, most recent first, optionally
// restricted to one severity
func (a *Archive) History(ctx context.Context, limit int, severity models.Severity) ([]models.EmergencyAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.client.ExecuteQuery(ctx, HistoryQuery(limit, severity))
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}

	alerts := make([]models.EmergencyAlert, 0, len(rows))
	for _, row := range rows {
		alerts = append(alerts, rowToAlert(row))
	}
	return alerts, nil
}

func rowToAlert(row map[string]interface{}) models.EmergencyAlert {
	alert := models.EmergencyAlert{
		AlertID:     getString(row, "alert_id"),
		PatientID:   getString(row, "patient_id"),
		PatientName: getString(row, "patient_name"),
		HospitalID:  getString(row, "hospital_id"),
		AlertType:   models.AlertType(getString(row, "alert_type")),
		Severity:    models.Severity(getString(row, "severity")),
		Description: getString(row, "description"),
		Location:    getString(row, "location"),
		CreatedAt:   getTime(row, "created_at"),
	}
	if td := getString(row, "trigger_data"); td != "" && json.Valid([]byte(td)) {
		alert.TriggerData = json.RawMessage(td)
	}
	return alert
}

// Helper function to safely get string values from query results
func getString(row map[string]interface{}, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	}
	return ""
}

func getTime(row map[string]interface{}, key string) time.Time {
	switch v := row[key].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	}
	return time.Time{}
}
