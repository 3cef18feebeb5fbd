// Package emergencytest provides an in-process emergency API for tests. It
// serves the REST endpoints and the alert stream with the same payload shapes
// as the real service.
package emergencytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloudcare/alert-desk/pkg/models"
)

// Server is a fake emergency API
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	alerts       map[string]*models.EmergencyAlert
	nextID       int64
	patients     map[string]string
	clients      map[*client]struct{}
	connects     int
	streamStatus int
	closed       bool
}

type client struct {
	frames chan string
	drop   chan struct{}
}

// NewServer starts a fake emergency API. Close it when done.
func NewServer() *Server {
	s := &Server{
		alerts:   map[string]*models.EmergencyAlert{},
		patients: map[string]string{},
		clients:  map[*client]struct{}{},
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/emergency").Subrouter()
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/{action}", s.handleAction).Methods(http.MethodPatch)
	api.HandleFunc("/patients/{id}/alerts", s.handlePatientAlerts).Methods(http.MethodGet)
	api.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)

	s.Server = httptest.NewServer(r)
	return s
}

// AddPatient registers a patient so alerts for it carry a name
func (s *Server) AddPatient(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[id] = name
}

// Seed stores alerts without broadcasting them
func (s *Server) Seed(alerts ...models.EmergencyAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range alerts {
		a := alerts[i]
		s.nextID++
		if a.ID == 0 {
			a.ID = s.nextID
		}
		if a.Status == "" {
			a.Status = models.AlertStatusActive
		}
		s.alerts[a.AlertID] = &a
	}
}

// Alert returns the stored alert with alertID
func (s *Server) Alert(alertID string) (models.EmergencyAlert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return models.EmergencyAlert{}, false
	}
	return *a, true
}

// SetStreamStatus makes stream requests fail with status. Zero restores the
// stream.
func (s *Server) SetStreamStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamStatus = status
}

// Connects is the number of stream connections accepted so far
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Clients is the number of currently open stream connections
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// WaitForClients blocks until n stream connections are open
func (s *Server) WaitForClients(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Clients() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Close drops open streams and shuts the server down
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.DropClients()
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// Broadcast sends a raw event to every open stream
func (s *Server) Broadcast(event, data string) {
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		select {
		case c.frames <- frame:
		case <-c.drop:
		}
	}
}

// BroadcastAlert sends an alert in the stream's snake_case shape
func (s *Server) BroadcastAlert(a models.EmergencyAlert) {
	s.Broadcast("emergency_alert", string(broadcastPayload(a)))
}

// Ping sends a keepalive event
func (s *Server) Ping() {
	s.Broadcast("ping", fmt.Sprintf(`{"timestamp": %q}`, time.Now().Format("2006-01-02T15:04:05.999999")))
}

// DropClients closes every open stream connection
func (s *Server) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		close(c.drop)
		delete(s.clients, c)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "shutting down"})
		return
	}
	if s.streamStatus != 0 {
		status := s.streamStatus
		s.mu.Unlock()
		writeJSON(w, status, map[string]string{"detail": "stream unavailable"})
		return
	}
	c := &client{frames: make(chan string, 64), drop: make(chan struct{})}
	s.clients[c] = struct{}{}
	s.connects++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[c]; ok {
			delete(s.clients, c)
			close(c.drop)
		}
		s.mu.Unlock()
	}()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.drop:
			return
		case frame := <-c.frames:
			if _, err := w.Write([]byte(frame)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateEmergencyAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if _, exists := s.alerts[req.AlertID]; exists {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": fmt.Sprintf("Alert %s already exists", req.AlertID)})
		return
	}
	s.nextID++
	alert := &models.EmergencyAlert{
		ID:          s.nextID,
		AlertID:     req.AlertID,
		PatientID:   req.PatientID,
		PatientName: s.patients[req.PatientID],
		HospitalID:  req.HospitalID,
		AlertType:   req.AlertType,
		Severity:    req.Severity,
		Description: req.Description,
		TriggeredBy: req.TriggeredBy,
		TriggerData: req.TriggerData,
		Location:    req.Location,
		Status:      models.AlertStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.alerts[alert.AlertID] = alert
	created := *alert
	s.mu.Unlock()

	s.BroadcastAlert(created)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly := q.Get("active_only") != "false"
	severity := models.Severity(q.Get("severity"))

	list := s.filter(func(a *models.EmergencyAlert) bool {
		if activeOnly && a.Status.IsTerminal() {
			return false
		}
		return severity == "" || a.Severity == severity
	})

	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if skip > len(list) {
		skip = len(list)
	}
	list = list[skip:]
	if limit < len(list) {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, ok := s.Alert(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": fmt.Sprintf("Alert %s not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePatientAlerts(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	activeOnly := r.URL.Query().Get("active_only") == "true"

	list := s.filter(func(a *models.EmergencyAlert) bool {
		if a.PatientID != patientID {
			return false
		}
		return !activeOnly || !a.Status.IsTerminal()
	})
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]

	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	var (
		status  models.AlertStatus
		event   string
		message string
	)
	switch action {
	case "acknowledge":
		status, event, message = models.AlertStatusAcknowledged, "alert_acknowledged", fmt.Sprintf("Alert %s acknowledged", id)
	case "respond":
		status, event, message = models.AlertStatusResponding, "alert_responding", fmt.Sprintf("Responding to alert %s", id)
	case "resolve":
		status, event, message = models.AlertStatusResolved, "alert_resolved", fmt.Sprintf("Alert %s resolved", id)
	case "false-alarm":
		status, event, message = models.AlertStatusFalseAlarm, "false_alarm", fmt.Sprintf("Alert %s marked as false alarm", id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	a, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": fmt.Sprintf("Alert %s not found", id)})
		return
	}
	a.Status = status
	a.UpdatedAt = now
	if responder := body["responder_id"]; responder != "" {
		a.Responders = append(a.Responders, responder)
		if a.ResponseTime == nil {
			a.ResponseTime = &now
		}
	}
	if notes := body["notes"] + body["resolution_notes"]; notes != "" {
		a.Notes = notes
	}
	if status.IsTerminal() {
		a.ResolvedAt = &now
	}
	s.mu.Unlock()

	update, _ := json.Marshal(map[string]interface{}{
		"event":        event,
		"alert_id":     id,
		"responder_id": body["responder_id"],
		"timestamp":    now.Format("2006-01-02T15:04:05.999999"),
	})
	s.Broadcast("emergency_alert", string(update))

	writeJSON(w, http.StatusOK, models.ActionResponse{Success: true, Message: message})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stats := models.EmergencyStatistics{
		TotalAlerts: len(s.alerts),
		Timestamp:   time.Now().Format("2006-01-02T15:04:05.999999"),
	}
	for _, a := range s.alerts {
		switch a.Status {
		case models.AlertStatusActive:
			stats.ActiveAlerts++
		case models.AlertStatusResponding:
			stats.RespondingAlerts++
		case models.AlertStatusResolved:
			stats.ResolvedAlerts++
		case models.AlertStatusFalseAlarm:
			stats.FalseAlarms++
		}
		if a.Severity == models.SeverityCritical && (a.Status == models.AlertStatusActive || a.Status == models.AlertStatusResponding) {
			stats.CriticalActive++
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, stats)
}

// filter returns matching alerts, newest first
func (s *Server) filter(keep func(*models.EmergencyAlert) bool) []models.EmergencyAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.EmergencyAlert{}
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func broadcastPayload(a models.EmergencyAlert) []byte {
	ts := a.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	var triggerData interface{}
	if len(a.TriggerData) > 0 {
		triggerData = a.TriggerData
	}
	var hospitalID interface{}
	if a.HospitalID != "" {
		hospitalID = a.HospitalID
	}
	b, _ := json.Marshal(map[string]interface{}{
		"alert_id":     a.AlertID,
		"patient_id":   a.PatientID,
		"patient_name": a.PatientName,
		"alert_type":   a.AlertType,
		"severity":     a.Severity,
		"description":  a.Description,
		"location":     a.Location,
		"trigger_data": triggerData,
		"timestamp":    ts.UTC().Format("2006-01-02T15:04:05.999999"),
		"hospital_id":  hospitalID,
	})
	return b
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
