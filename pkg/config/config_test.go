package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8001", cfg.Services.Patient)
	assert.Equal(t, "http://localhost:8002", cfg.Services.Doctor)
	assert.Equal(t, "http://localhost:8003", cfg.Services.Hospital)
	assert.Equal(t, "http://localhost:8004", cfg.Services.Emergency)
	assert.Equal(t, "http://localhost:8005", cfg.Services.Wearables)
	assert.Equal(t, 30*time.Second, cfg.Client.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.InitialInterval)
	assert.Equal(t, 100, cfg.Feed.Capacity)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.Origins())
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "doctor", cfg.Session.Role)
}

func TestLoadConfigEnvironment(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "frontend variable",
			env:  map[string]string{"NEXT_PUBLIC_EMERGENCY_API_URL": "http://emergency:9004"},
			want: "http://emergency:9004",
		},
		{
			name: "prefixed variable wins",
			env: map[string]string{
				"NEXT_PUBLIC_EMERGENCY_API_URL": "http://emergency:9004",
				"CLOUDCARE_SERVICES_EMERGENCY":  "http://override:9999",
			},
			want: "http://override:9999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadConfig("")
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Services.Emergency)
			assert.Equal(t, "http://localhost:8001", cfg.Services.Patient)
		})
	}
}

func TestLoadConfigScalarsFromEnv(t *testing.T) {
	t.Setenv("CLOUDCARE_CLIENT_TIMEOUT", "5s")
	t.Setenv("CLOUDCARE_FEED_CAPACITY", "25")
	t.Setenv("CLOUDCARE_REDIS_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
	assert.Equal(t, 25, cfg.Feed.Capacity)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "desk.yaml")
	content := `
services:
  emergency: http://emergency.internal:8004
server:
  port: "9090"
  allowedOrigins: "http://a.test, http://b.test"
stream:
  maxRetries: 7
  maxElapsed: 2m
session:
  role: hospital
  hospitalId: "7"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://emergency.internal:8004", cfg.Services.Emergency)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.Origins())
	assert.Equal(t, uint64(7), cfg.Stream.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Stream.MaxElapsed)
	assert.Equal(t, "hospital", cfg.Session.Role)
	assert.Equal(t, "7", cfg.Session.HospitalID)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("NEXT_PUBLIC_PATIENT_API_URL", "not a url")
	_, err := LoadConfig("")
	assert.ErrorContains(t, err, "services.patient")
}

func TestServiceURL(t *testing.T) {
	s := ServicesConfig{Emergency: "http://e"}
	u, err := s.URL(ServiceEmergency)
	require.NoError(t, err)
	assert.Equal(t, "http://e", u)

	_, err = s.URL("billing")
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	SetupLogging("WARNING")
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	SetupLogging("nonsense")
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}
