package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/models"
)

// Permission is the state of the user's consent to notifications
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// NotificationTitle is the title of every alert notification
const NotificationTitle = "Emergency Alert"

// Notification is a short summary of one alert
type Notification struct {
	Title string
	Body  string
	Alert models.EmergencyAlert
}

// Notifier delivers notifications to the user
type Notifier interface {
	Permission() Permission
	Notify(ctx context.Context, n Notification) error
}

// Summarize builds the notification for alert
func Summarize(alert models.EmergencyAlert) Notification {
	who := alert.PatientName
	if who == "" {
		who = "Patient " + alert.PatientID
	}
	return Notification{
		Title: NotificationTitle,
		Body:  fmt.Sprintf("%s: %s", who, alert.Description),
		Alert: alert,
	}
}

// LogNotifier writes notifications to the log. It is always granted.
type LogNotifier struct{}

func (LogNotifier) Permission() Permission {
	return PermissionGranted
}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	logrus.WithFields(logrus.Fields{
		"alert":    n.Alert.Key(),
		"severity": n.Alert.Severity,
	}).Warnf("%s - %s", n.Title, n.Body)
	return nil
}

// MultiNotifier fans a notification out to every granted notifier
type MultiNotifier []Notifier

// Permission is granted when any member is granted
func (m MultiNotifier) Permission() Permission {
	result := PermissionDefault
	for _, n := range m {
		switch n.Permission() {
		case PermissionGranted:
			return PermissionGranted
		case PermissionDenied:
			result = PermissionDenied
		}
	}
	return result
}

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, member := range m {
		if member.Permission() != PermissionGranted {
			continue
		}
		if err := member.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
