package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/fanout"
	"github.com/cloudcare/alert-desk/pkg/models"
	"github.com/cloudcare/alert-desk/pkg/services"
	"github.com/cloudcare/alert-desk/pkg/tui"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	fromRedis := flag.Bool("redis", false, "follow the alerts a running desk publishes on redis instead of the emergency stream")
	logPath := flag.String("log", "", "write logs to this file (logs are discarded otherwise)")
	flag.Parse()

	if err := run(*configPath, *fromRedis, *logPath); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, fromRedis bool, logPath string) error {
	// The terminal belongs to the UI
	logrus.SetOutput(io.Discard)
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		logrus.SetOutput(f)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.SetupLogging(cfg.Log.Level)

	redisCfg := cfg.Redis
	if fromRedis {
		// this process only reads the channel
		cfg.Redis.Enabled = false
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	desk, err := services.NewDesk(ctx, cfg)
	if err != nil {
		return err
	}
	defer desk.Close()
	monitor := desk.Monitor

	statusLine := func() string {
		st := monitor.Status()
		switch {
		case st.Connected:
			return "stream connected"
		case st.Running:
			return fmt.Sprintf("reconnecting (%d)", st.Reconnects)
		case st.LastError != "":
			return "stream stopped: " + st.LastError
		}
		return "stream stopped"
	}

	if fromRedis {
		pub, err := followRedis(ctx, redisCfg, desk)
		if err != nil {
			return err
		}
		statusLine = func() string { return "following redis " + pub.Channel() }
	} else if err := monitor.Start(ctx); err != nil {
		return err
	}

	model := tui.NewModel(monitor.Feed(),
		tui.WithAcknowledger(monitor),
		tui.WithStatusLine(statusLine),
	)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// followRedis preloads the published history into the feed and keeps adding
// newly published alerts until ctx is done
func followRedis(ctx context.Context, rc config.RedisConfig, desk *services.Desk) (*fanout.Publisher, error) {
	fc := fanout.Config{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		Channel:  rc.Channel,
		History:  rc.History,
	}
	client := fanout.NewClient(fc)
	pub := fanout.NewPublisher(client, fc)
	if err := pub.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", rc.Addr, err)
	}

	f := desk.Monitor.Feed()
	recent, err := pub.Recent(ctx, f.Capacity())
	if err != nil {
		client.Close()
		return nil, err
	}
	// oldest first so the newest ends on top
	for i := len(recent) - 1; i >= 0; i-- {
		f.Add(recent[i])
	}

	go func() {
		defer client.Close()
		if err := pub.Listen(ctx, func(a models.EmergencyAlert) { f.Add(a) }); err != nil {
			logrus.Errorf("Redis listener stopped: %v", err)
		}
	}()
	return pub, nil
}
