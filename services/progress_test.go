package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"stylistapi/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisProgressEmitterPublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	emitter := NewRedisProgressEmitter(mr.Addr())

	subscriber := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer subscriber.Close()
	sub := subscriber.Subscribe(context.Background(), ProgressChannelName("req-1"))
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	emitter.Emit("req-1", models.ProgressEvent{
		Step:    models.StepGeneratingImages,
		Message: "Generating 2 outfit images",
		Percent: 60,
		Details: map[string]interface{}{"outfit_count": 2},
	})

	select {
	case msg := <-sub.Channel():
		var event models.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, models.StepGeneratingImages, event.Step)
		assert.Equal(t, 60, event.Percent)
		assert.Equal(t, "Generating 2 outfit images", event.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event received")
	}
}

func TestRedisProgressEmitterChannelPerCorrelationID(t *testing.T) {
	assert.Equal(t, "progress:abc", ProgressChannelName("abc"))
}

func TestRedisProgressEmitterSwallowsBrokerFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	emitter := NewRedisProgressEmitter(mr.Addr())
	mr.Close()

	// must not panic or block
	emitter.Emit("req-1", models.ProgressEvent{Step: models.StepStarting})
}

func TestRedisProgressEmitterIgnoresEmptyCorrelationID(t *testing.T) {
	emitter := NewRedisProgressEmitter("localhost:1")
	emitter.Emit("", models.ProgressEvent{Step: models.StepStarting})
}

type slowRecordingEmitter struct {
	delay  time.Duration
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (e *slowRecordingEmitter) Emit(correlationID string, event models.ProgressEvent) {
	time.Sleep(e.delay)
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
}

func TestProgressTrackerPublishOrderMatchesClampOrder(t *testing.T) {
	emitter := &slowRecordingEmitter{delay: 5 * time.Millisecond}
	tracker := &progressTracker{emitter: emitter, correlationID: "req-1"}

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(percent int) {
			defer wg.Done()
			tracker.emit(models.StepGeneratingImages, "generating", percent*10, nil)
		}(i)
	}
	wg.Wait()

	require.Len(t, emitter.events, 8)
	for i := 1; i < len(emitter.events); i++ {
		assert.GreaterOrEqual(t, emitter.events[i].Percent, emitter.events[i-1].Percent,
			"subscriber saw percent go backwards at event %d", i)
	}
}
