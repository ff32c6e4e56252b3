// Package state holds the process-wide transient view of in-flight jobs: step progress, preview
// frames, node coverage, the engine queue mirror and engine connectivity. Nothing here is persisted.
package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// JobProgress is the latest step counter of the node currently executing
type JobProgress struct {
	Value     int       `json:"value"`
	Max       int       `json:"max"`
	Node      string    `json:"node,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobPreview is the most recent intermediate frame as a data URI
type JobPreview struct {
	ImageDataURI string    `json:"image_data_uri"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobOverallProgress estimates whole-graph completion from distinct executed node ids
type JobOverallProgress struct {
	TotalNodes      int       `json:"total_nodes"`
	ExecutedNodeIDs []string  `json:"executed_node_ids"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Percent returns executed/total in [0, 100], or 0 when the total is unknown
func (o JobOverallProgress) Percent() float64 {
	if o.TotalNodes <= 0 {
		return 0
	}
	pct := float64(len(o.ExecutedNodeIDs)) * 100 / float64(o.TotalNodes)
	if pct > 100 {
		return 100
	}
	return pct
}

// QueueSnapshot is the last known engine queue
type QueueSnapshot struct {
	Running   []string  `json:"running"`
	Pending   []string  `json:"pending"`
	Remaining int       `json:"remaining"`
	UpdatedAt time.Time `json:"updated_at"`
	Signature string    `json:"-"`
}

// Total returns running + pending
func (q QueueSnapshot) Total() int {
	return len(q.Running) + len(q.Pending)
}

// QueueSignature fingerprints a queue state for change detection
func QueueSignature(running, pending []string, remaining int) string {
	return fmt.Sprintf("%s|%s|%d", strings.Join(running, ","), strings.Join(pending, ","), remaining)
}

// Config holds the windows used by Runtime
type Config struct {
	ProgressDebounce time.Duration
	PreviewDebounce  time.Duration
	RemainingTTL     time.Duration
	Now              func() time.Time
}

type overallEntry struct {
	total     int
	executed  map[string]struct{}
	updatedAt time.Time
}

type remainingOverride struct {
	value int
	setAt time.Time
}

// Runtime is the mutex-guarded transient state shared by the binder, tracker and finisher
type Runtime struct {
	mu sync.RWMutex

	progress map[string]*JobProgress
	previews map[string]*JobPreview
	overall  map[string]*overallEntry

	promptToJob map[string]string
	finalizing  map[string]struct{}

	queue     QueueSnapshot
	remaining *remainingOverride

	currentPromptID    string
	lastActivePromptID string

	connected        bool
	sessionID        string
	reconnectPending bool

	progressGate *Debouncer
	previewGate  *Debouncer
	jobLocks     *keyedMutex

	remainingTTL time.Duration
	now          func() time.Time
}

// NewRuntime creates an empty runtime state
func NewRuntime(config Config) *Runtime {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Runtime{
		progress:     make(map[string]*JobProgress),
		previews:     make(map[string]*JobPreview),
		overall:      make(map[string]*overallEntry),
		promptToJob:  make(map[string]string),
		finalizing:   make(map[string]struct{}),
		progressGate: NewDebouncer(config.ProgressDebounce),
		previewGate:  NewDebouncer(config.PreviewDebounce),
		jobLocks:     newKeyedMutex(),
		remainingTTL: config.RemainingTTL,
		now:          now,
	}
}

// Now returns the runtime clock
func (r *Runtime) Now() time.Time {
	return r.now()
}

// LockJob serialises read-modify-write sequences on one job. Call the returned func to release.
func (r *Runtime) LockJob(jobID string) func() {
	return r.jobLocks.lock(jobID)
}

// ---- progress / overall / preview ----

// UpdateProgress stores a step counter. A repeat of the current (value, max, node) inside the
// progress window is dropped and reported as false.
func (r *Runtime) UpdateProgress(jobID string, value, max int, node string) bool {
	now := r.now()
	if !r.progressGate.Allow(jobID, fmt.Sprintf("%d/%d/%s", value, max, node), now) {
		return false
	}

	r.mu.Lock()
	r.progress[jobID] = &JobProgress{Value: value, Max: max, Node: node, UpdatedAt: now}
	r.mu.Unlock()
	return true
}

// SetExecutingNode records the node now executing for jobID and touches overall progress
func (r *Runtime) SetExecutingNode(jobID, node string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	// The stored entry no longer matches the last admitted progress fingerprint
	r.progressGate.Forget(jobID)
	if p, ok := r.progress[jobID]; ok {
		p.Node = node
		p.UpdatedAt = now
	} else {
		r.progress[jobID] = &JobProgress{Node: node, UpdatedAt: now}
	}
	r.overallEntry(jobID).updatedAt = now
}

// SeedOverall sets the total node count used for the overall estimate
func (r *Runtime) SeedOverall(jobID string, totalNodes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.overallEntry(jobID)
	entry.total = totalNodes
	entry.updatedAt = r.now()
}

// AddExecutedNodes marks nodes as done. Cached nodes count the same as executed ones.
func (r *Runtime) AddExecutedNodes(jobID string, nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.overallEntry(jobID)
	for _, node := range nodes {
		if node != "" {
			entry.executed[node] = struct{}{}
		}
	}
	entry.updatedAt = r.now()
}

// overallEntry must be called with mu held
func (r *Runtime) overallEntry(jobID string) *overallEntry {
	entry, ok := r.overall[jobID]
	if !ok {
		entry = &overallEntry{executed: make(map[string]struct{})}
		r.overall[jobID] = entry
	}
	return entry
}

// AllowPreview reports whether a new preview for jobID may be stored now
func (r *Runtime) AllowPreview(jobID string) bool {
	return r.previewGate.Allow(jobID, "", r.now())
}

// StorePreview replaces the preview frame for jobID
func (r *Runtime) StorePreview(jobID, dataURI string) {
	r.mu.Lock()
	r.previews[jobID] = &JobPreview{ImageDataURI: dataURI, UpdatedAt: r.now()}
	r.mu.Unlock()
}

// Progress returns a copy of the step counter for jobID
func (r *Runtime) Progress(jobID string) (JobProgress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.progress[jobID]
	if !ok {
		return JobProgress{}, false
	}
	return *p, true
}

// Preview returns a copy of the preview frame for jobID
func (r *Runtime) Preview(jobID string) (JobPreview, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.previews[jobID]
	if !ok {
		return JobPreview{}, false
	}
	return *p, true
}

// Overall returns a copy of the overall estimate for jobID with node ids sorted
func (r *Runtime) Overall(jobID string) (JobOverallProgress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.overall[jobID]
	if !ok {
		return JobOverallProgress{}, false
	}
	ids := make([]string, 0, len(entry.executed))
	for id := range entry.executed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return JobOverallProgress{TotalNodes: entry.total, ExecutedNodeIDs: ids, UpdatedAt: entry.updatedAt}, true
}

// ClearTransient drops progress, preview and overall state for jobID in one step
func (r *Runtime) ClearTransient(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.progress, jobID)
	delete(r.previews, jobID)
	delete(r.overall, jobID)
	r.progressGate.Forget(jobID)
	r.previewGate.Forget(jobID)
}

// HasTransient reports whether any transient entry exists for jobID
func (r *Runtime) HasTransient(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, p := r.progress[jobID]
	_, v := r.previews[jobID]
	_, o := r.overall[jobID]
	return p || v || o
}

// ---- prompt index and finalize guard ----

// RegisterPrompt maps an engine prompt id to a job id
func (r *Runtime) RegisterPrompt(promptID, jobID string) {
	if promptID == "" {
		return
	}
	r.mu.Lock()
	r.promptToJob[promptID] = jobID
	r.mu.Unlock()
}

// LookupPrompt returns the job id cached for promptID
func (r *Runtime) LookupPrompt(promptID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobID, ok := r.promptToJob[promptID]
	return jobID, ok
}

// ForgetPrompt removes the cached mapping for promptID
func (r *Runtime) ForgetPrompt(promptID string) {
	r.mu.Lock()
	delete(r.promptToJob, promptID)
	r.mu.Unlock()
}

// BeginFinalize claims promptID for finalization. It returns false if another caller holds it.
func (r *Runtime) BeginFinalize(promptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.finalizing[promptID]; busy {
		return false
	}
	r.finalizing[promptID] = struct{}{}
	return true
}

// EndFinalize releases the claim taken by BeginFinalize
func (r *Runtime) EndFinalize(promptID string) {
	r.mu.Lock()
	delete(r.finalizing, promptID)
	r.mu.Unlock()
}

// ---- executing marker ----

// SetExecuting marks promptID as the one the engine is executing
func (r *Runtime) SetExecuting(promptID string) {
	if promptID == "" {
		return
	}
	r.mu.Lock()
	r.currentPromptID = promptID
	r.lastActivePromptID = promptID
	r.mu.Unlock()
}

// ClearExecutingIf clears the executing marker when it points at promptID
func (r *Runtime) ClearExecutingIf(promptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if promptID == "" || r.currentPromptID != promptID {
		return false
	}
	r.currentPromptID = ""
	return true
}

// CurrentExecuting returns the prompt the engine is executing, or ""
func (r *Runtime) CurrentExecuting() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentPromptID
}

// ActivePrompt returns the executing prompt, falling back to the last one seen executing
func (r *Runtime) ActivePrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.currentPromptID != "" {
		return r.currentPromptID
	}
	return r.lastActivePromptID
}

// ---- connectivity ----

// SetConnected flips engine connectivity. A fresh connection forgets the session id and re-arms
// the reconnect guard.
func (r *Runtime) SetConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
	if connected {
		r.sessionID = ""
		r.reconnectPending = false
	}
}

// Connection returns connectivity and the engine session id
func (r *Runtime) Connection() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected, r.sessionID
}

// ObserveSession records the session id reported by the engine. It returns true exactly once
// per connection when the id changes under an established connection.
func (r *Runtime) ObserveSession(sessionID string) bool {
	if sessionID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessionID == "" {
		r.sessionID = sessionID
		return false
	}
	if r.sessionID == sessionID || !r.connected || r.reconnectPending {
		return false
	}
	r.reconnectPending = true
	return true
}

// ---- queue mirror ----

// SetRemainingOverride stores the queue depth pushed by the engine
func (r *Runtime) SetRemainingOverride(remaining int) {
	r.mu.Lock()
	r.remaining = &remainingOverride{value: remaining, setAt: r.now()}
	r.mu.Unlock()
}

// EffectiveRemaining returns a live override younger than the TTL, else pendingLen
func (r *Runtime) EffectiveRemaining(pendingLen int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.remaining != nil && r.now().Sub(r.remaining.setAt) < r.remainingTTL {
		return r.remaining.value
	}
	return pendingLen
}

// StoreQueue replaces the queue snapshot and reports whether its signature changed
func (r *Runtime) StoreQueue(running, pending []string, remaining int) bool {
	signature := QueueSignature(running, pending, remaining)

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.queue.Signature != signature || r.queue.UpdatedAt.IsZero()
	r.queue = QueueSnapshot{
		Running:   append([]string(nil), running...),
		Pending:   append([]string(nil), pending...),
		Remaining: remaining,
		UpdatedAt: r.now(),
		Signature: signature,
	}
	return changed
}

// Queue returns a copy of the last queue snapshot
func (r *Runtime) Queue() QueueSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q := r.queue
	q.Running = append([]string(nil), q.Running...)
	q.Pending = append([]string(nil), q.Pending...)
	return q
}
