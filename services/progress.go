package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stylistapi/models"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
)

// ProgressEmitter pushes pipeline status updates to whatever transport the
// client listens on, keyed by a caller-supplied correlation id. Emit is
// fire-and-forget: a dead subscriber or broker hiccup must never stall or
// fail the pipeline.
type ProgressEmitter interface {
	Emit(correlationID string, event models.ProgressEvent)
}

// RedisProgressEmitter publishes events as JSON on progress:<correlationID>.
// Any push transport (websocket bridge, SSE relay) can subscribe to relay
// them to the client.
type RedisProgressEmitter struct {
	Client *redis.Client
}

func NewRedisProgressEmitter(addr string) *RedisProgressEmitter {
	return &RedisProgressEmitter{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func ProgressChannelName(correlationID string) string {
	return fmt.Sprintf("progress:%s", correlationID)
}

func (e *RedisProgressEmitter) Emit(correlationID string, event models.ProgressEvent) {
	if correlationID == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Progress %s] error marshaling event: %v", correlationID, err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Client.Publish(ctx, ProgressChannelName(correlationID), payload).Err(); err != nil {
		// swallowed: progress delivery is best effort
		fmt.Printf("[Progress %s] publish failed: %v\n", correlationID, err)
		sentry.CaptureException(fmt.Errorf("[Progress %s] publish failed: %v", correlationID, err))
	}
}

// LogProgressEmitter writes events to stdout. Default when no broker is
// configured, also handy in tests.
type LogProgressEmitter struct{}

func (LogProgressEmitter) Emit(correlationID string, event models.ProgressEvent) {
	fmt.Printf("[Progress %s] %s %d%% %s\n", correlationID, event.Step, event.Percent, event.Message)
}
