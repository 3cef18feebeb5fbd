package main

import (
	"context"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/fanout"
	"github.com/cloudcare/alert-desk/pkg/services"
	"github.com/cloudcare/alert-desk/pkg/timeplus"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	config.SetupLogging(cfg.Log.Level)
	logrus.Info("Setting up storage for the alert desk")

	for _, check := range services.CheckServices(context.Background(), cfg.Services, cfg.Client.Timeout) {
		if check.Reachable() {
			logrus.Infof("Service %s at %s is reachable", check.Name, check.URL)
		} else {
			logrus.Warnf("Service %s at %s is not reachable: %v", check.Name, check.URL, check.Err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := timeplus.NewClient(&cfg.Timeplus)
	if err != nil {
		logrus.Fatalf("Failed to connect to Timeplus: %v", err)
	}
	defer client.Close()

	if err := timeplus.NewArchive(client).Setup(ctx); err != nil {
		logrus.Fatalf("Failed to create archive streams: %v", err)
	}

	// Verify streams exist
	for _, name := range []string{timeplus.AlertsStream, timeplus.StatusStream} {
		exists, err := client.StreamExists(ctx, name)
		if err != nil {
			logrus.Fatalf("Failed to check stream %s: %v", name, err)
		}
		logrus.Infof("Stream %s exists: %v", name, exists)
	}

	if cfg.Redis.Enabled {
		rc := fanout.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		rdb := fanout.NewClient(rc)
		defer rdb.Close()
		if err := fanout.NewPublisher(rdb, rc).Ping(ctx); err != nil {
			logrus.Fatalf("Redis at %s is not reachable: %v", cfg.Redis.Addr, err)
		}
		logrus.Infof("Redis at %s is reachable", cfg.Redis.Addr)
	}

	logrus.Info("Setup completed")
}
