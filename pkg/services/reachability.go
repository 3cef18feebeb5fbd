package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/apiclient"
	"github.com/cloudcare/alert-desk/pkg/config"
)

// ServiceCheck is the outcome of contacting one configured service
type ServiceCheck struct {
	Name string
	URL  string
	Err  error
}

// Reachable reports whether the service answered at all
func (c ServiceCheck) Reachable() bool {
	return c.Err == nil
}

// CheckServices sends GET / to every configured service. Any HTTP answer,
// error statuses included, counts as reachable.
func CheckServices(ctx context.Context, cfg config.ServicesConfig, timeout time.Duration) []ServiceCheck {
	checks := make([]ServiceCheck, 0, len(config.ServiceNames()))
	for _, name := range config.ServiceNames() {
		base, err := cfg.URL(name)
		check := ServiceCheck{Name: name, URL: base, Err: err}
		if err == nil {
			_, err = apiclient.New(base, apiclient.WithTimeout(timeout)).Get(ctx, "/", nil)
			if unreachable(err) {
				check.Err = err
			}
		}
		logrus.WithFields(logrus.Fields{"service": name, "url": base}).Debugf("Service check: %v", check.Err)
		checks = append(checks, check)
	}
	return checks
}

func unreachable(err error) bool {
	if err == nil {
		return false
	}
	var ne *apiclient.NetworkError
	return errors.As(err, &ne) || apiclient.IsTimeout(err) || errors.Is(err, apiclient.ErrCanceled)
}
