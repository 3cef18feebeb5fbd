package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/apiclient"
	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/emergency"
	"github.com/cloudcare/alert-desk/pkg/models"
)

const (
	defaultPatientCount = 5
	defaultIntervalMs   = 5000
)

var (
	alertTypes = []models.AlertType{
		models.AlertTypeCardiac,
		models.AlertTypeRespiratory,
		models.AlertTypeFall,
		models.AlertTypeCriticalVitals,
		models.AlertTypeOther,
	}
	// weighted towards the less urgent end
	severities = []models.Severity{
		models.SeverityLow, models.SeverityLow, models.SeverityLow,
		models.SeverityMedium, models.SeverityMedium,
		models.SeverityHigh,
		models.SeverityCritical,
	}
	locations = []string{"Home", "Ward 3B", "ICU bed 4", "Room 212", ""}
)

func main() {
	cfg, err := config.LoadConfig(getEnv("CONFIG_PATH", ""))
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	config.SetupLogging(cfg.Log.Level)

	patientCount, _ := strconv.Atoi(getEnv("PATIENT_COUNT", strconv.Itoa(defaultPatientCount)))
	if patientCount <= 0 {
		patientCount = defaultPatientCount
	}
	intervalMs, _ := strconv.Atoi(getEnv("INTERVAL_MS", strconv.Itoa(defaultIntervalMs)))
	if intervalMs <= 0 {
		intervalMs = defaultIntervalMs
	}
	hospitalID := getEnv("HOSPITAL_ID", "")

	service := emergency.NewService(apiclient.New(cfg.Services.Emergency, apiclient.WithTimeout(cfg.Client.Timeout)))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logrus.Infof("Posting synthetic alerts for %d patients to %s every %d ms", patientCount, cfg.Services.Emergency, intervalMs)
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	sent, failed := 0, 0
	for {
		select {
		case <-ctx.Done():
			logrus.Infof("Simulator stopped: %d alerts posted, %d failed", sent, failed)
			return
		case <-ticker.C:
			req := generateAlert(rng, patientCount, hospitalID)
			alert, err := service.CreateAlert(ctx, req)
			if err != nil {
				failed++
				logrus.Errorf("Failed to post alert %s: %v", req.AlertID, err)
				continue
			}
			sent++
			logrus.WithFields(logrus.Fields{
				"alert":    alert.AlertID,
				"patient":  alert.PatientID,
				"severity": alert.Severity,
			}).Info("Posted alert")
		}
	}
}

// generateAlert builds a random alert for one of the simulated patients
func generateAlert(rng *rand.Rand, patientCount int, hospitalID string) *models.CreateEmergencyAlertRequest {
	alertType := alertTypes[rng.Intn(len(alertTypes))]
	severity := severities[rng.Intn(len(severities))]

	description, triggerData := describe(rng, alertType)
	triggerBy := models.TriggerWearable
	if alertType == models.AlertTypeOther {
		triggerBy = models.TriggerManual
	}

	return &models.CreateEmergencyAlertRequest{
		AlertID:     uuid.NewString(),
		PatientID:   strconv.Itoa(rng.Intn(patientCount) + 1),
		HospitalID:  hospitalID,
		AlertType:   alertType,
		Severity:    severity,
		Description: description,
		TriggeredBy: triggerBy,
		TriggerData: triggerData,
		Location:    locations[rng.Intn(len(locations))],
	}
}

// describe produces a readable description and the wearable reading behind it
func describe(rng *rand.Rand, t models.AlertType) (string, json.RawMessage) {
	var (
		desc    string
		reading map[string]interface{}
	)
	switch t {
	case models.AlertTypeCardiac:
		hr := 130 + rng.Intn(60)
		desc = fmt.Sprintf("Heart rate %d bpm", hr)
		reading = map[string]interface{}{"heart_rate": hr}
	case models.AlertTypeRespiratory:
		spo2 := 82 + rng.Intn(8)
		desc = fmt.Sprintf("SpO2 dropped to %d%%", spo2)
		reading = map[string]interface{}{"spo2": spo2}
	case models.AlertTypeFall:
		g := 2.5 + rng.Float64()*3
		desc = "Fall detected"
		reading = map[string]interface{}{"impact_g": fmt.Sprintf("%.1f", g)}
	case models.AlertTypeCriticalVitals:
		temp := 39.0 + rng.Float64()*2.5
		desc = fmt.Sprintf("Body temperature %.1f C", temp)
		reading = map[string]interface{}{"temperature": fmt.Sprintf("%.1f", temp)}
	default:
		desc = "Patient pressed the emergency button"
	}

	if reading == nil {
		return desc, nil
	}
	data, _ := json.Marshal(reading)
	return desc, data
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
