// Package engine talks to the external compute engine: a REST client for prompts, queue, history
// and produced files, and a websocket stream of execution events.
package engine

import (
	"path"
	"sort"
	"strings"
)

// ImageRef identifies a file produced by the engine
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// RelativePath returns subfolder/filename using forward slashes
func (r ImageRef) RelativePath() string {
	if r.Subfolder == "" {
		return r.Filename
	}
	return path.Join(strings.ReplaceAll(r.Subfolder, "\\", "/"), r.Filename)
}

// QueueItem is one prompt in the engine's running or pending list
type QueueItem struct {
	Number   int    `json:"number"`
	PromptID string `json:"prompt_id"`
}

// QueueState is a snapshot of the engine queue
type QueueState struct {
	Running []QueueItem `json:"running"`
	Pending []QueueItem `json:"pending"`
}

// RunningIDs returns prompt ids in running order
func (q *QueueState) RunningIDs() []string {
	return promptIDs(q.Running)
}

// PendingIDs returns prompt ids in pending order
func (q *QueueState) PendingIDs() []string {
	return promptIDs(q.Pending)
}

func promptIDs(items []QueueItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.PromptID)
	}
	return ids
}

// History states derived from an entry's status block
const (
	HistoryStateCompleted = "completed"
	HistoryStateError     = "error"
	HistoryStateRunning   = "running"
)

// HistoryStatus is the status block of a history entry.
// Messages are [name, payload] pairs, e.g. ["execution_error", {"exception_message": "..."}].
type HistoryStatus struct {
	StatusStr string          `json:"status_str"`
	Completed bool            `json:"completed"`
	Messages  [][]interface{} `json:"messages"`
}

// NodeOutput is what one node produced
type NodeOutput struct {
	Images []ImageRef `json:"images,omitempty"`
	Gifs   []ImageRef `json:"gifs,omitempty"`
}

// HistoryEntry is the engine's record of a finished (or finishing) prompt
type HistoryEntry struct {
	PromptID string                `json:"-"`
	Outputs  map[string]NodeOutput `json:"outputs"`
	Status   HistoryStatus         `json:"status"`
}

// State classifies the entry as completed, error or running
func (h *HistoryEntry) State() string {
	if h == nil {
		return ""
	}
	if strings.EqualFold(h.Status.StatusStr, "error") {
		return HistoryStateError
	}
	if h.Status.Completed || strings.EqualFold(h.Status.StatusStr, "success") {
		return HistoryStateCompleted
	}
	return HistoryStateRunning
}

// ErrorMessage returns the engine-reported failure message, or "" when none is present
func (h *HistoryEntry) ErrorMessage() string {
	if h == nil {
		return ""
	}
	for _, msg := range h.Status.Messages {
		if len(msg) < 2 {
			continue
		}
		name, _ := msg[0].(string)
		if name != "execution_error" && name != "execution_interrupted" {
			continue
		}
		payload, _ := msg[1].(map[string]interface{})
		if text, ok := payload["exception_message"].(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if name == "execution_interrupted" {
			return "Execution interrupted"
		}
	}
	return ""
}

// Images returns distinct output-type images in node id order.
// Temp previews are skipped.
func (h *HistoryEntry) Images() []ImageRef {
	if h == nil || len(h.Outputs) == 0 {
		return nil
	}

	nodeIDs := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return lessNodeID(nodeIDs[i], nodeIDs[j]) })

	seen := make(map[ImageRef]bool)
	var refs []ImageRef
	for _, id := range nodeIDs {
		out := h.Outputs[id]
		for _, ref := range append(append([]ImageRef{}, out.Images...), out.Gifs...) {
			if ref.Filename == "" || (ref.Type != "" && ref.Type != "output") {
				continue
			}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// lessNodeID orders numeric node ids numerically and everything else lexically
func lessNodeID(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
