package timeplus

// Stream names
const (
	// AlertsStream stores every alert received from the emergency stream
	AlertsStream = "cloudcare_emergency_alerts"

	// StatusStream stores status-change broadcasts
	StatusStream = "cloudcare_alert_status"
)

// GetAlertsSchema returns the schema for the alerts stream
func GetAlertsSchema() []Column {
	return []Column{
		{Name: "alert_id", Type: "string"},
		{Name: "patient_id", Type: "string"},
		{Name: "patient_name", Type: "string"},
		{Name: "hospital_id", Type: "string"},
		{Name: "alert_type", Type: "string"},
		{Name: "severity", Type: "string"},
		{Name: "description", Type: "string"},
		{Name: "location", Type: "string"},
		{Name: "trigger_data", Type: "string"}, // JSON string of the trigger payload
		{Name: "created_at", Type: "datetime64(3)"},
		{Name: "received_at", Type: "datetime64(3)"},
	}
}

// GetStatusSchema returns the schema for the status stream
func GetStatusSchema() []Column {
	return []Column{
		{Name: "alert_id", Type: "string"},
		{Name: "event", Type: "string"},
		{Name: "status", Type: "string"},
		{Name: "responder_id", Type: "string"},
		{Name: "changed_at", Type: "datetime64(3)", Nullable: true},
		{Name: "received_at", Type: "datetime64(3)"},
	}
}

// columnNames lists the names of schema in order
func columnNames(schema []Column) []string {
	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
	}
	return names
}
