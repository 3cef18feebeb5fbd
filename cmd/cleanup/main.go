package main

import (
	"context"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/fanout"
	"github.com/cloudcare/alert-desk/pkg/timeplus"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	skipTimeplus := flag.Bool("skip-timeplus", false, "leave the Timeplus archive streams in place")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	config.SetupLogging(cfg.Log.Level)
	logrus.Info("Starting cleanup of alert desk storage")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if !*skipTimeplus {
		client, err := timeplus.NewClient(&cfg.Timeplus)
		if err != nil {
			logrus.Fatalf("Failed to connect to Timeplus: %v", err)
		}
		defer client.Close()

		for _, name := range []string{timeplus.AlertsStream, timeplus.StatusStream} {
			logrus.Infof("Dropping stream: %s", name)
			if err := client.DropStream(ctx, name); err != nil {
				logrus.Errorf("Failed to drop stream %s: %v", name, err)
			}
		}
	}

	if cfg.Redis.Enabled {
		rc := fanout.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			History:  cfg.Redis.History,
		}
		rdb := fanout.NewClient(rc)
		defer rdb.Close()
		pub := fanout.NewPublisher(rdb, rc)
		if err := pub.Reset(ctx); err != nil {
			logrus.Errorf("Failed to clear redis history: %v", err)
		} else {
			logrus.Infof("Cleared alert history of %s", pub.Channel())
		}
	}

	logrus.Info("Cleanup completed")
}
