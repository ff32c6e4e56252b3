package interfaces

import (
	"context"

	"github.com/ternarybob/vellum/internal/engine"
)

// EngineClient is the request/response side of the external compute engine
type EngineClient interface {
	Submit(ctx context.Context, graph map[string]interface{}) (string, error)
	GetQueue(ctx context.Context) (*engine.QueueState, error)
	GetHistory(ctx context.Context, promptID string) (*engine.HistoryEntry, error)
	GetHistories(ctx context.Context) (map[string]*engine.HistoryEntry, error)
	FetchImage(ctx context.Context, ref engine.ImageRef) ([]byte, error)
	Interrupt(ctx context.Context) error
	DeleteFromQueue(ctx context.Context, promptIDs ...string) error
}

// EngineStream is the push side of the engine. Events are delivered on one goroutine in arrival order.
type EngineStream interface {
	Subscribe(handler func(engine.Event))
	Reconnect()
}
