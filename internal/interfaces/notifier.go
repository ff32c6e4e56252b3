package interfaces

import (
	"context"
)

// JobNotifier pushes the current state of a job to connected UI clients
type JobNotifier interface {
	Notify(ctx context.Context, jobID string)
}

// Broadcaster fans a typed message out to every connected UI client
type Broadcaster interface {
	Broadcast(messageType string, payload interface{})
}
