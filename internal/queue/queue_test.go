package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sbenjam1n/studysync/internal/study"
	"github.com/sbenjam1n/studysync/internal/trial"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	url := os.Getenv("STUDYSYNC_TEST_REDIS_URL")
	if url == "" {
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("docker unavailable: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		host, err := container.Host(ctx)
		require.NoError(t, err)
		port, err := container.MappedPort(ctx, "6379")
		require.NoError(t, err)
		url = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
	}

	rdb, err := ConnectRedis(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Del(context.Background(), StreamTrialEvents).Err())
	return rdb
}

func TestPublishReadAck(t *testing.T) {
	ctx := context.Background()
	q := New(redisClient(t), 1000)

	length, pending, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
	assert.Zero(t, pending)

	require.NoError(t, q.EnsureStream(ctx))
	require.NoError(t, q.EnsureStream(ctx), "creating the group twice is fine")

	value := 0.25
	sent := study.Event{
		Kind:        study.EventTrialFinished,
		Study:       "tune",
		TrialID:     7,
		TrialNumber: 3,
		State:       trial.Complete,
		Value:       &value,
		At:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, q.Publish(ctx, sent))

	consumer := "test-" + uuid.NewString()
	got, id, err := q.Read(ctx, consumer, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sent.Kind, got.Kind)
	assert.Equal(t, sent.TrialNumber, got.TrialNumber)
	assert.Equal(t, trial.Complete, got.State)
	require.NotNil(t, got.Value)
	assert.Equal(t, 0.25, *got.Value)
	assert.True(t, sent.At.Equal(got.At))

	length, pending, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, q.Ack(ctx, id))
	_, pending, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, _, err = q.Read(ctx, consumer, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		wantErr bool
	}{
		{"missing payload", map[string]any{"kind": "trial_created"}, true},
		{"bad json", map[string]any{"payload": "{"}, true},
		{"bad state", map[string]any{"payload": `{"kind":"trial_finished","state":"DONE"}`}, true},
		{"ok", map[string]any{"payload": `{"kind":"trial_created","study":"s","trial_number":2,"state":"RUNNING"}`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent(tt.values)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, study.EventTrialCreated, ev.Kind)
			assert.Equal(t, 2, ev.TrialNumber)
			assert.Equal(t, trial.Running, ev.State)
		})
	}
}
