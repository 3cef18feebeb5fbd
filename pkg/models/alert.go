package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AlertType is the clinical category of an emergency alert
type AlertType string

const (
	AlertTypeCardiac        AlertType = "cardiac"
	AlertTypeRespiratory    AlertType = "respiratory"
	AlertTypeFall           AlertType = "fall"
	AlertTypeCriticalVitals AlertType = "critical_vitals"
	AlertTypeOther          AlertType = "other"
)

// Valid reports whether t is one of the known alert types
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypeCardiac, AlertTypeRespiratory, AlertTypeFall, AlertTypeCriticalVitals, AlertTypeOther:
		return true
	}
	return false
}

// Severity is the ordered urgency of an alert
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities so that critical > high > medium > low.
// Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is as urgent as min
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// TriggerSource is the provenance of an alert
type TriggerSource string

const (
	TriggerWearable TriggerSource = "wearable"
	TriggerManual   TriggerSource = "manual"
	TriggerAI       TriggerSource = "ai"
	TriggerSensor   TriggerSource = "sensor"
)

// AlertStatus is the lifecycle state of an alert. Transitions are owned by the
// emergency service; clients only request them.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResponding   AlertStatus = "responding"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusFalseAlarm   AlertStatus = "false_alarm"
)

// IsTerminal reports whether no further transition is possible
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved || s == AlertStatusFalseAlarm
}

// EmergencyAlert is an alert as served by the emergency API, either in a REST
// listing or as a stream broadcast.
type EmergencyAlert struct {
	ID           int64           `json:"id,omitempty"`
	AlertID      string          `json:"alertId"`
	PatientID    string          `json:"patientId"`
	PatientName  string          `json:"patientName,omitempty"`
	HospitalID   string          `json:"hospitalId,omitempty"`
	AlertType    AlertType       `json:"alertType"`
	Severity     Severity        `json:"severity"`
	Description  string          `json:"description"`
	TriggeredBy  TriggerSource   `json:"triggeredBy,omitempty"`
	TriggerData  json.RawMessage `json:"triggerData,omitempty"`
	Location     string          `json:"location,omitempty"`
	Status       AlertStatus     `json:"status,omitempty"`
	Responders   []string        `json:"responders,omitempty"`
	ResponseTime *time.Time      `json:"responseTime,omitempty"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Key returns the identity used for de-duplication. The business alertId is
// preferred because stream broadcasts do not carry the numeric id.
func (a EmergencyAlert) Key() string {
	if a.AlertID != "" {
		return a.AlertID
	}
	if a.ID != 0 {
		return "#" + strconv.FormatInt(a.ID, 10)
	}
	return ""
}

// ErrMissingIdentity is returned when an alert payload has neither id nor alertId
var ErrMissingIdentity = errors.New("alert has no id or alertId")

// UnmarshalJSON accepts both the camelCase REST shape and the snake_case
// broadcast shape.
func (a *EmergencyAlert) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out EmergencyAlert
	fields := []struct {
		dst  interface{}
		keys []string
	}{
		{&out.ID, []string{"id"}},
		{&out.AlertID, []string{"alertId", "alert_id"}},
		{&flexString{&out.PatientID}, []string{"patientId", "patient_id"}},
		{&out.PatientName, []string{"patientName", "patient_name"}},
		{&flexString{&out.HospitalID}, []string{"hospitalId", "hospital_id"}},
		{&out.AlertType, []string{"alertType", "alert_type"}},
		{&out.Severity, []string{"severity"}},
		{&out.Description, []string{"description"}},
		{&out.TriggeredBy, []string{"triggeredBy", "triggered_by"}},
		{&out.TriggerData, []string{"triggerData", "trigger_data"}},
		{&out.Location, []string{"location"}},
		{&out.Status, []string{"status"}},
		{&out.Responders, []string{"responders"}},
		{&flexTimePtr{&out.ResponseTime}, []string{"responseTime", "response_time"}},
		{&flexTimePtr{&out.ResolvedAt}, []string{"resolvedAt", "resolved_at"}},
		{&out.Notes, []string{"notes"}},
		{&flexTime{&out.CreatedAt}, []string{"createdAt", "created_at", "timestamp"}},
		{&flexTime{&out.UpdatedAt}, []string{"updatedAt", "updated_at"}},
	}
	for _, f := range fields {
		v, ok := pick(raw, f.keys...)
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return fmt.Errorf("field %s: %w", f.keys[0], err)
		}
	}

	if out.Key() == "" {
		return ErrMissingIdentity
	}
	*a = out
	return nil
}

// StatusUpdate is broadcast on the alert stream when an alert changes state
type StatusUpdate struct {
	Event       string    `json:"event"`
	AlertID     string    `json:"alert_id"`
	ResponderID string    `json:"responder_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Status maps the broadcast event name to the resulting alert status
func (u StatusUpdate) Status() AlertStatus {
	switch u.Event {
	case "alert_acknowledged":
		return AlertStatusAcknowledged
	case "alert_responding":
		return AlertStatusResponding
	case "alert_resolved":
		return AlertStatusResolved
	case "false_alarm":
		return AlertStatusFalseAlarm
	}
	return ""
}

// UnmarshalJSON tolerates naive timestamps
func (u *StatusUpdate) UnmarshalJSON(data []byte) error {
	var raw struct {
		Event       string          `json:"event"`
		AlertID     string          `json:"alert_id"`
		ResponderID *string         `json:"responder_id"`
		Timestamp   json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.Event = raw.Event
	u.AlertID = raw.AlertID
	u.ResponderID = ""
	if raw.ResponderID != nil {
		u.ResponderID = *raw.ResponderID
	}
	u.Timestamp = time.Time{}
	if len(raw.Timestamp) > 0 && !isNull(raw.Timestamp) {
		return json.Unmarshal(raw.Timestamp, &flexTime{&u.Timestamp})
	}
	return nil
}

// IsStatusUpdate reports whether a broadcast payload is a status update rather
// than a new alert. Status updates carry a non-empty "event" field.
func IsStatusUpdate(data []byte) bool {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Event != ""
}

// CreateEmergencyAlertRequest is the payload for raising a new alert
type CreateEmergencyAlertRequest struct {
	AlertID     string          `json:"alert_id"`
	PatientID   string          `json:"patient_id"`
	HospitalID  string          `json:"hospital_id,omitempty"`
	AlertType   AlertType       `json:"alert_type"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	TriggeredBy TriggerSource   `json:"triggered_by"`
	TriggerData json.RawMessage `json:"trigger_data,omitempty"`
	Location    string          `json:"location,omitempty"`
}

// Validate checks the request before it is sent
func (r *CreateEmergencyAlertRequest) Validate() error {
	if r.AlertID == "" || r.PatientID == "" || r.Description == "" {
		return fmt.Errorf("alert_id, patient_id and description are required")
	}
	if !r.AlertType.Valid() {
		return fmt.Errorf("invalid alert_type %q", r.AlertType)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", r.Severity)
	}
	return nil
}

// ListAlertsParams filters an alert listing
type ListAlertsParams struct {
	Skip       int
	Limit      int
	ActiveOnly *bool
	Severity   Severity
}

// Values encodes the params as a query string; zero values are omitted
func (p ListAlertsParams) Values() url.Values {
	v := url.Values{}
	if p.Skip > 0 {
		v.Set("skip", strconv.Itoa(p.Skip))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.ActiveOnly != nil {
		v.Set("active_only", strconv.FormatBool(*p.ActiveOnly))
	}
	if p.Severity != "" {
		v.Set("severity", string(p.Severity))
	}
	return v
}

// ActionResponse is returned by the status-changing endpoints
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// EmergencyStatistics summarises alert counts across the system
type EmergencyStatistics struct {
	TotalAlerts      int    `json:"total_alerts"`
	ActiveAlerts     int    `json:"active_alerts"`
	RespondingAlerts int    `json:"responding_alerts"`
	ResolvedAlerts   int    `json:"resolved_alerts"`
	FalseAlarms      int    `json:"false_alarms"`
	CriticalActive   int    `json:"critical_active"`
	Timestamp        string `json:"timestamp"`
}

func pick(raw map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// flexString decodes a JSON string or number into a string
type flexString struct{ p *string }

func (f flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, f.p)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f.p = n.String()
	return nil
}

// Layouts produced by the emergency API. Python's isoformat omits the zone.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// ParseTimestamp parses any timestamp layout the emergency API emits
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

type flexTime struct{ p *time.Time }

func (f flexTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*f.p = t
	return nil
}

type flexTimePtr struct{ p **time.Time }

func (f flexTimePtr) UnmarshalJSON(data []byte) error {
	var t time.Time
	if err := (flexTime{&t}).UnmarshalJSON(data); err != nil {
		return err
	}
	*f.p = &t
	return nil
}
