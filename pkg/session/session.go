// Package session carries the identity of whoever is watching the alert feed.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudcare/alert-desk/pkg/models"
)

// Role is the kind of user a session belongs to
type Role string

const (
	RolePatient  Role = "patient"
	RoleDoctor   Role = "doctor"
	RoleHospital Role = "hospital"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RolePatient, RoleDoctor, RoleHospital:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ErrDestroyed is returned by operations on an ended session
var ErrDestroyed = errors.New("session destroyed")

// Context is an explicit session, passed to whatever needs the user's scope
type Context struct {
	ID         uuid.UUID `json:"id"`
	Role       Role      `json:"role"`
	UserID     string    `json:"userId"`
	HospitalID string    `json:"hospitalId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`

	mu        sync.RWMutex
	destroyed bool
}

// New starts a session. Patients need a userID and hospitals a hospitalID.
func New(role Role, userID, hospitalID string) (*Context, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	if role == RolePatient && userID == "" {
		return nil, errors.New("patient session requires a user id")
	}
	if role == RoleHospital && hospitalID == "" {
		return nil, errors.New("hospital session requires a hospital id")
	}

	return &Context{
		ID:         uuid.New(),
		Role:       role,
		UserID:     userID,
		HospitalID: hospitalID,
		CreatedAt:  time.Now(),
	}, nil
}

// Destroy ends the session. It is safe to call more than once.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

// Active reports whether Destroy has not been called
func (c *Context) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.destroyed
}

// Allows reports whether alert is in the session's scope. Hospitals see their
// own alerts and unassigned ones, patients only their own, doctors all.
func (c *Context) Allows(alert models.EmergencyAlert) bool {
	if c == nil {
		return true
	}
	if !c.Active() {
		return false
	}

	switch c.Role {
	case RoleHospital:
		return alert.HospitalID == "" || alert.HospitalID == c.HospitalID
	case RolePatient:
		return alert.PatientID == c.UserID
	default:
		return true
	}
}

// Headers identify the session to the backend services
func (c *Context) Headers() map[string]string {
	h := map[string]string{
		"X-Session-Id": c.ID.String(),
		"X-User-Role":  string(c.Role),
	}
	if c.UserID != "" {
		h["X-User-Id"] = c.UserID
	}
	return h
}
