package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmergencyAlertDecodesBothShapes(t *testing.T) {
	rest := `{
		"id": 12,
		"alertId": "EMG-12",
		"patientId": "42",
		"hospitalId": "7",
		"alertType": "cardiac",
		"severity": "critical",
		"description": "Heart rate 190 bpm",
		"triggeredBy": "wearable",
		"triggerData": {"heart_rate": 190},
		"status": "active",
		"responders": [],
		"responseTime": null,
		"createdAt": "2025-03-01T10:00:00Z",
		"updatedAt": "2025-03-01T10:00:00Z"
	}`
	broadcast := `{
		"alert_id": "EMG-12",
		"patient_id": 42,
		"patient_name": "Jane Doe",
		"alert_type": "cardiac",
		"severity": "critical",
		"description": "Heart rate 190 bpm",
		"location": null,
		"trigger_data": {"heart_rate": 190},
		"timestamp": "2025-03-01T10:00:00.000000",
		"hospital_id": 7
	}`

	var fromREST, fromStream EmergencyAlert
	require.NoError(t, json.Unmarshal([]byte(rest), &fromREST))
	require.NoError(t, json.Unmarshal([]byte(broadcast), &fromStream))

	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, a := range []EmergencyAlert{fromREST, fromStream} {
		assert.Equal(t, "EMG-12", a.AlertID)
		assert.Equal(t, "42", a.PatientID)
		assert.Equal(t, "7", a.HospitalID)
		assert.Equal(t, AlertTypeCardiac, a.AlertType)
		assert.Equal(t, SeverityCritical, a.Severity)
		assert.JSONEq(t, `{"heart_rate":190}`, string(a.TriggerData))
		assert.True(t, a.CreatedAt.Equal(want), "created at %v", a.CreatedAt)
		assert.Equal(t, "EMG-12", a.Key())
	}

	assert.Equal(t, int64(12), fromREST.ID)
	assert.Equal(t, AlertStatusActive, fromREST.Status)
	assert.Nil(t, fromREST.ResponseTime)
	assert.Equal(t, "Jane Doe", fromStream.PatientName)
	assert.Zero(t, fromStream.ID)
	assert.Empty(t, fromStream.Location)
}

func TestEmergencyAlertDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not an object", data: `[1,2]`},
		{name: "bad timestamp", data: `{"alertId":"A","createdAt":"yesterday"}`},
		{name: "bad severity type", data: `{"alertId":"A","severity":3}`},
		{name: "null", data: `null`},
		{name: "empty object", data: `{}`},
		{name: "no identity", data: `{"patient_id":42,"severity":"critical"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a EmergencyAlert
			assert.Error(t, json.Unmarshal([]byte(tt.data), &a))
		})
	}

	var a EmergencyAlert
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"severity":"high"}`), &a), ErrMissingIdentity)
	assert.NoError(t, json.Unmarshal([]byte(`{"id":9}`), &a))
	assert.Equal(t, "#9", a.Key())
}

func TestAlertKey(t *testing.T) {
	assert.Equal(t, "A1", EmergencyAlert{ID: 3, AlertID: "A1"}.Key())
	assert.Equal(t, "#3", EmergencyAlert{ID: 3}.Key())
	assert.Equal(t, "", EmergencyAlert{}.Key())
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.False(t, Severity("urgent").Valid())
	assert.True(t, AlertStatusFalseAlarm.IsTerminal())
	assert.False(t, AlertStatusResponding.IsTerminal())
}

func TestStatusUpdate(t *testing.T) {
	data := []byte(`{"event":"alert_responding","alert_id":"A1","responder_id":null,"timestamp":"2025-03-01T10:05:00.5"}`)
	require.True(t, IsStatusUpdate(data))
	assert.False(t, IsStatusUpdate([]byte(`{"alert_id":"A1"}`)))
	assert.False(t, IsStatusUpdate([]byte(`not json`)))

	var u StatusUpdate
	require.NoError(t, json.Unmarshal(data, &u))
	assert.Equal(t, AlertStatusResponding, u.Status())
	assert.Empty(t, u.ResponderID)
	assert.Equal(t, 500*time.Millisecond, time.Duration(u.Timestamp.Nanosecond()))
}

func TestListAlertsParamsValues(t *testing.T) {
	active := true
	v := ListAlertsParams{Skip: 10, Limit: 5, ActiveOnly: &active, Severity: SeverityHigh}.Values()
	assert.Equal(t, "10", v.Get("skip"))
	assert.Equal(t, "5", v.Get("limit"))
	assert.Equal(t, "true", v.Get("active_only"))
	assert.Equal(t, "high", v.Get("severity"))

	assert.Empty(t, ListAlertsParams{}.Values())
}

func TestCreateRequestValidate(t *testing.T) {
	req := CreateEmergencyAlertRequest{AlertID: "A", PatientID: "1", Description: "d", AlertType: AlertTypeFall, Severity: SeverityLow}
	assert.NoError(t, req.Validate())

	req.AlertType = "flood"
	assert.Error(t, req.Validate())
}
