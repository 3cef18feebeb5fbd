package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/cloudcare/alert-desk/pkg/apiclient"
	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/emergency"
	"github.com/cloudcare/alert-desk/pkg/models"
	"github.com/cloudcare/alert-desk/pkg/timeplus"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	limit := flag.Int("limit", 10, "number of alerts to show")
	severity := flag.String("severity", "", "only show alerts of this severity")
	archived := flag.Bool("archive", false, "read the Timeplus archive instead of the emergency service")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	sev := models.Severity(*severity)
	if sev != "" && !sev.Valid() {
		log.Fatalf("Unknown severity %q", sev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var alerts []models.EmergencyAlert
	if *archived {
		client, err := timeplus.NewClient(&cfg.Timeplus)
		if err != nil {
			log.Fatalf("Failed to connect: %v", err)
		}
		defer client.Close()

		fmt.Printf("Checking %s for archived alerts...\n", timeplus.AlertsStream)
		alerts, err = timeplus.NewArchive(client).History(ctx, *limit, sev)
		if err != nil {
			log.Fatalf("Failed to query alerts: %v", err)
		}
	} else {
		service := emergency.NewService(apiclient.New(cfg.Services.Emergency, apiclient.WithTimeout(cfg.Client.Timeout)))

		fmt.Printf("Checking %s for active alerts...\n", cfg.Services.Emergency)
		alerts, err = service.ListAlerts(ctx, models.ListAlertsParams{Limit: *limit, Severity: sev})
		if err != nil {
			log.Fatalf("Failed to list alerts: %v", err)
		}

		stats, err := service.GetStatistics(ctx)
		if err != nil {
			log.Fatalf("Failed to get statistics: %v", err)
		}
		fmt.Printf("Total %d, active %d, responding %d, resolved %d, false alarms %d, critical active %d\n\n",
			stats.TotalAlerts, stats.ActiveAlerts, stats.RespondingAlerts, stats.ResolvedAlerts, stats.FalseAlarms, stats.CriticalActive)
	}

	for _, a := range alerts {
		fmt.Println("Alert found:")
		fmt.Printf("  id: %s\n", a.Key())
		fmt.Printf("  patient: %s %s\n", a.PatientID, a.PatientName)
		fmt.Printf("  type: %s\n", a.AlertType)
		fmt.Printf("  severity: %s\n", a.Severity)
		fmt.Printf("  status: %s\n", a.Status)
		fmt.Printf("  description: %s\n", a.Description)
		if !a.CreatedAt.IsZero() {
			fmt.Printf("  created: %s\n", a.CreatedAt.Format(time.RFC3339))
		}
		fmt.Println()
	}

	if len(alerts) == 0 {
		fmt.Println("No alerts found")
	} else {
		fmt.Printf("Found %d alerts\n", len(alerts))
	}
}
