package fanout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudcare/alert-desk/pkg/models"
)

func setupTestRedis(t *testing.T, history int) (*miniredis.Miniredis, *Publisher) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewPublisher(client, Config{Channel: "test:alerts", History: history})
}

func testAlert(id string) models.EmergencyAlert {
	return models.EmergencyAlert{
		AlertID:     id,
		PatientID:   "42",
		PatientName: "Jane Doe",
		AlertType:   models.AlertTypeRespiratory,
		Severity:    models.SeverityCritical,
		Description: "SpO2 82%",
		CreatedAt:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPublisherDefaults(t *testing.T) {
	p := NewPublisher(nil, Config{})
	assert.Equal(t, DefaultChannel, p.Channel())
	assert.Equal(t, "redis", p.Name())
}

func TestWriteKeepsCappedHistory(t *testing.T) {
	mr, p := setupTestRedis(t, 3)
	ctx := context.Background()
	require.NoError(t, p.Ping(ctx))

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Write(ctx, testAlert(fmt.Sprintf("A%d", i))))
	}

	items, err := mr.List("test:alerts:recent")
	require.NoError(t, err)
	assert.Len(t, items, 3)

	recent, err := p.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "A5", recent[0].AlertID)
	assert.Equal(t, "A3", recent[2].AlertID)
	assert.Equal(t, "Jane Doe", recent[0].PatientName)
	assert.Equal(t, models.SeverityCritical, recent[0].Severity)

	recent, err = p.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	require.NoError(t, p.Reset(ctx))
	assert.False(t, mr.Exists("test:alerts:recent"))
	recent, err = p.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestListenReceivesPublishedAlerts(t *testing.T) {
	_, p := setupTestRedis(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan models.EmergencyAlert, 1)
	done := make(chan error, 1)
	go func() {
		done <- p.Listen(ctx, func(a models.EmergencyAlert) {
			select {
			case received <- a:
			default:
			}
		})
	}()

	// publish until the subscriber is attached
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, p.Write(context.Background(), testAlert("A1")))
		select {
		case a := <-received:
			assert.Equal(t, "A1", a.AlertID)
			assert.Equal(t, "42", a.PatientID)
			cancel()
			assert.NoError(t, <-done)
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no alert received")
		}
	}
}

func TestWriteFailsWhenRedisDown(t *testing.T) {
	mr, p := setupTestRedis(t, 10)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, p.Write(ctx, testAlert("A1")))
}
