package services

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/apiclient"
	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/emergency"
	"github.com/cloudcare/alert-desk/pkg/fanout"
	"github.com/cloudcare/alert-desk/pkg/feed"
	"github.com/cloudcare/alert-desk/pkg/metrics"
	"github.com/cloudcare/alert-desk/pkg/session"
	"github.com/cloudcare/alert-desk/pkg/timeplus"
)

// Desk bundles everything built from the configuration
type Desk struct {
	Monitor   *AlertMonitor
	Publisher *fanout.Publisher
	Archive   *timeplus.Archive

	redis    *redis.Client
	timeplus *timeplus.Client
}

// DeskOption customises NewDesk
type DeskOption func(*deskOptions)

type deskOptions struct {
	notifier feed.Notifier
	metrics  *metrics.Metrics
}

// WithNotifier replaces the default log notifier
func WithNotifier(n feed.Notifier) DeskOption {
	return func(o *deskOptions) {
		o.notifier = n
	}
}

// WithMetrics records stream, request and feed metrics
func WithMetrics(m *metrics.Metrics) DeskOption {
	return func(o *deskOptions) {
		o.metrics = m
	}
}

// NewDesk wires the session, emergency client, feed and optional sinks from
// cfg. Sinks that fail to connect are an error.
func NewDesk(ctx context.Context, cfg *config.Config, opts ...DeskOption) (*Desk, error) {
	o := &deskOptions{notifier: feed.LogNotifier{}}
	for _, opt := range opts {
		opt(o)
	}

	role, err := session.ParseRole(cfg.Session.Role)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(role, cfg.Session.UserID, cfg.Session.HospitalID)
	if err != nil {
		return nil, err
	}
	logrus.Infof("Session %s started as %s", sess.ID, sess.Role)

	clientOpts := []apiclient.Option{
		apiclient.WithTimeout(cfg.Client.Timeout),
		apiclient.WithHeaders(sess.Headers()),
	}
	var inner emergency.StreamObserver
	if o.metrics != nil {
		clientOpts = append(clientOpts, apiclient.WithObserver(o.metrics.ObserveRequest))
		inner = o.metrics
	}
	service := emergency.NewService(apiclient.New(cfg.Services.Emergency, clientOpts...))

	state := newStreamState(inner)
	subscriber := emergency.NewSubscriber(cfg.Services.Emergency,
		emergency.WithStreamHeaders(sess.Headers()),
		emergency.WithStreamObserver(state),
	)

	feedOpts := []feed.Option{
		feed.WithCapacity(cfg.Feed.Capacity),
		feed.WithNotifier(o.notifier),
		feed.WithSession(sess),
	}
	if cfg.Feed.Dedup {
		feedOpts = append(feedOpts, feed.WithDedup())
	}
	if o.metrics != nil {
		feedOpts = append(feedOpts, feed.WithObserver(o.metrics))
	}
	f := feed.New(feedOpts...)

	d := &Desk{
		Monitor: newAlertMonitor(service, subscriber, SupervisorConfig(cfg.Stream), f, sess, state),
	}

	if cfg.Redis.Enabled {
		rcfg := fanout.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			History:  cfg.Redis.History,
		}
		d.redis = fanout.NewClient(rcfg)
		d.Publisher = fanout.NewPublisher(d.redis, rcfg)
		if err := d.Publisher.Ping(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		f.AddSink(d.Publisher)
		logrus.Infof("Publishing alerts to redis channel %s", d.Publisher.Channel())
	}

	if cfg.Timeplus.Enabled {
		client, err := timeplus.NewClient(&cfg.Timeplus)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.timeplus = client
		d.Archive = timeplus.NewArchive(client)
		if err := d.Archive.Setup(ctx); err != nil {
			d.Close()
			return nil, err
		}
		f.AddSink(d.Archive)
		d.Monitor.AddStatusRecorder(d.Archive)
	}

	return d, nil
}

// SupervisorConfig maps the stream section onto the reconnect policy
func SupervisorConfig(c config.StreamConfig) emergency.SupervisorConfig {
	sc := emergency.DefaultSupervisorConfig()
	if c.InitialInterval > 0 {
		sc.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		sc.MaxInterval = c.MaxInterval
	}
	sc.MaxElapsedTime = c.MaxElapsed
	sc.MaxRetries = c.MaxRetries
	if c.DedupWindow > 0 {
		sc.DedupWindow = c.DedupWindow
	}
	return sc
}

// Close stops the monitor and releases sink connections
func (d *Desk) Close() {
	if d.Monitor != nil {
		d.Monitor.Shutdown()
		d.Monitor.Session().Destroy()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logrus.Warnf("Failed to close redis client: %v", err)
		}
	}
	if d.timeplus != nil {
		if err := d.timeplus.Close(); err != nil {
			logrus.Warnf("Failed to close Timeplus client: %v", err)
		}
	}
}
