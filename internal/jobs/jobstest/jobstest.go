// Package jobstest provides an in-memory engine and a recording notifier for orchestration tests.
package jobstest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/engine"
	"github.com/ternarybob/vellum/internal/storage/badger"
)

// ErrEngineDown is returned by FakeEngine calls while Down is set
var ErrEngineDown = errors.New("engine unreachable")

// NewStorage opens a badger-backed storage manager in a temp dir
func NewStorage(t *testing.T) *badger.Manager {
	t.Helper()
	manager, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

// FakeEngine is a scriptable EngineClient
type FakeEngine struct {
	mu sync.Mutex

	down       bool
	submitIDs  []string
	submitErr  error
	queue      engine.QueueState
	histories  map[string]*engine.HistoryEntry
	images     map[string][]byte
	submitted  []map[string]interface{}
	interrupts int
	deleted    []string
	historyHit map[string]int
}

// NewFakeEngine creates an engine with an empty queue and no history
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		histories:  make(map[string]*engine.HistoryEntry),
		images:     make(map[string][]byte),
		historyHit: make(map[string]int),
	}
}

// SetDown makes every call fail with ErrEngineDown
func (f *FakeEngine) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// QueueSubmitIDs sets the prompt ids returned by successive Submit calls
func (f *FakeEngine) QueueSubmitIDs(ids ...string) {
	f.mu.Lock()
	f.submitIDs = append(f.submitIDs, ids...)
	f.mu.Unlock()
}

// SetSubmitError makes Submit fail
func (f *FakeEngine) SetSubmitError(err error) {
	f.mu.Lock()
	f.submitErr = err
	f.mu.Unlock()
}

// SetQueue replaces the queue returned by GetQueue
func (f *FakeEngine) SetQueue(running, pending []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = engine.QueueState{}
	for i, id := range running {
		f.queue.Running = append(f.queue.Running, engine.QueueItem{Number: i, PromptID: id})
	}
	for i, id := range pending {
		f.queue.Pending = append(f.queue.Pending, engine.QueueItem{Number: len(running) + i, PromptID: id})
	}
}

// SetHistory sets the history entry for a prompt; nil removes it
func (f *FakeEngine) SetHistory(promptID string, entry *engine.HistoryEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry == nil {
		delete(f.histories, promptID)
		return
	}
	entry.PromptID = promptID
	f.histories[promptID] = entry
}

// SetImage sets the bytes served for a produced file
func (f *FakeEngine) SetImage(ref engine.ImageRef, data []byte) {
	f.mu.Lock()
	f.images[ref.RelativePath()] = data
	f.mu.Unlock()
}

// Completed builds a successful history entry producing refs from node "9"
func Completed(refs ...engine.ImageRef) *engine.HistoryEntry {
	return &engine.HistoryEntry{
		Outputs: map[string]engine.NodeOutput{"9": {Images: refs}},
		Status:  engine.HistoryStatus{StatusStr: "success", Completed: true},
	}
}

// Failed builds an error history entry
func Failed(message string) *engine.HistoryEntry {
	return &engine.HistoryEntry{
		Status: engine.HistoryStatus{
			StatusStr: "error",
			Messages: [][]interface{}{
				{"execution_error", map[string]interface{}{"exception_message": message}},
			},
		},
	}
}

// Running builds an in-progress history entry
func Running() *engine.HistoryEntry {
	return &engine.HistoryEntry{Status: engine.HistoryStatus{}}
}

func (f *FakeEngine) Submit(ctx context.Context, graph map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", ErrEngineDown
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, graph)
	if len(f.submitIDs) == 0 {
		return "", errors.New("no prompt id scripted")
	}
	id := f.submitIDs[0]
	f.submitIDs = f.submitIDs[1:]
	return id, nil
}

func (f *FakeEngine) GetQueue(ctx context.Context) (*engine.QueueState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrEngineDown
	}
	q := engine.QueueState{
		Running: append([]engine.QueueItem(nil), f.queue.Running...),
		Pending: append([]engine.QueueItem(nil), f.queue.Pending...),
	}
	return &q, nil
}

func (f *FakeEngine) GetHistory(ctx context.Context, promptID string) (*engine.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrEngineDown
	}
	f.historyHit[promptID]++
	return f.histories[promptID], nil
}

func (f *FakeEngine) GetHistories(ctx context.Context) (map[string]*engine.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrEngineDown
	}
	out := make(map[string]*engine.HistoryEntry, len(f.histories))
	for id, entry := range f.histories {
		out[id] = entry
	}
	return out, nil
}

func (f *FakeEngine) FetchImage(ctx context.Context, ref engine.ImageRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrEngineDown
	}
	data, ok := f.images[ref.RelativePath()]
	if !ok {
		return nil, errors.New("image not found")
	}
	return data, nil
}

func (f *FakeEngine) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	if f.down {
		return ErrEngineDown
	}
	return nil
}

func (f *FakeEngine) DeleteFromQueue(ctx context.Context, promptIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return ErrEngineDown
	}
	f.deleted = append(f.deleted, promptIDs...)
	return nil
}

// Interrupts returns the number of Interrupt calls
func (f *FakeEngine) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// Deleted returns prompt ids removed through DeleteFromQueue
func (f *FakeEngine) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Submitted returns the graphs passed to Submit
func (f *FakeEngine) Submitted() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.submitted...)
}

// HistoryCalls returns how often GetHistory was called for promptID
func (f *FakeEngine) HistoryCalls(promptID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyHit[promptID]
}

// Notifier records Notify calls
type Notifier struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

// NewNotifier creates an empty recording notifier
func NewNotifier() *Notifier {
	return &Notifier{calls: make(map[string]int)}
}

func (n *Notifier) Notify(ctx context.Context, jobID string) {
	n.mu.Lock()
	n.calls[jobID]++
	n.order = append(n.order, jobID)
	n.mu.Unlock()
}

// Count returns the number of notifications for jobID
func (n *Notifier) Count(jobID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[jobID]
}

// Broadcaster records Broadcast calls by message type
type Broadcaster struct {
	mu       sync.Mutex
	messages map[string][]interface{}
}

// NewBroadcaster creates an empty recording broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{messages: make(map[string][]interface{})}
}

func (b *Broadcaster) Broadcast(messageType string, payload interface{}) {
	b.mu.Lock()
	b.messages[messageType] = append(b.messages[messageType], payload)
	b.mu.Unlock()
}

// Messages returns the payloads broadcast under messageType
func (b *Broadcaster) Messages(messageType string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]interface{}(nil), b.messages[messageType]...)
}
