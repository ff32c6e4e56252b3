package engine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned for message types the engine may send but nothing consumes
var ErrUnknownEvent = errors.New("unknown engine event")

// Event is the closed set of engine stream events
type Event interface {
	isEvent()
}

// ProgressEvent reports the step counter of the node currently executing
type ProgressEvent struct {
	PromptID string
	Node     string
	Value    int
	Max      int
}

// ExecutingEvent reports the node that started executing. Node is empty when the prompt finished.
type ExecutingEvent struct {
	PromptID string
	Node     string
}

// ExecutedEvent reports a node that finished executing
type ExecutedEvent struct {
	PromptID string
	Node     string
}

// ExecutionCachedEvent lists nodes skipped because their outputs were cached
type ExecutionCachedEvent struct {
	PromptID string
	Nodes    []string
}

// ExecutionSuccessEvent reports a prompt that completed
type ExecutionSuccessEvent struct {
	PromptID string
}

// ExecutionErrorEvent reports a prompt that failed
type ExecutionErrorEvent struct {
	PromptID string
	NodeID   string
	NodeType string
	Message  string
}

// ExecutionInterruptedEvent reports a prompt stopped by an interrupt
type ExecutionInterruptedEvent struct {
	PromptID string
}

// StatusEvent carries queue depth and the session id assigned by the engine.
// QueueRemaining is nil when the engine did not include it.
type StatusEvent struct {
	QueueRemaining *int
	SessionID      string
}

// PreviewEvent is an intermediate preview frame. PromptID is set only when the engine sends metadata.
type PreviewEvent struct {
	PromptID string
	MimeType string
	Data     []byte
}

// ConnectedEvent is emitted by the stream after a successful dial
type ConnectedEvent struct {
	ClientID string
}

// DisconnectedEvent is emitted by the stream when the connection drops
type DisconnectedEvent struct {
	Err error
}

func (ProgressEvent) isEvent()             {}
func (ExecutingEvent) isEvent()            {}
func (ExecutedEvent) isEvent()             {}
func (ExecutionCachedEvent) isEvent()      {}
func (ExecutionSuccessEvent) isEvent()     {}
func (ExecutionErrorEvent) isEvent()       {}
func (ExecutionInterruptedEvent) isEvent() {}
func (StatusEvent) isEvent()               {}
func (PreviewEvent) isEvent()              {}
func (ConnectedEvent) isEvent()            {}
func (DisconnectedEvent) isEvent()         {}

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireStatus struct {
	Status *struct {
		ExecInfo *struct {
			QueueRemaining *int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid"`
}

type wireNode struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
}

type wireProgress struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
	Value    int     `json:"value"`
	Max      int     `json:"max"`
}

type wireCached struct {
	PromptID string   `json:"prompt_id"`
	Nodes    []string `json:"nodes"`
}

type wireError struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

// DecodeText decodes a JSON text frame into an Event.
// Unknown message types return ErrUnknownEvent.
func DecodeText(data []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode engine message: %w", err)
	}

	switch msg.Type {
	case "status":
		var s wireStatus
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			return nil, fmt.Errorf("failed to decode status event: %w", err)
		}
		ev := StatusEvent{SessionID: s.SID}
		if s.Status != nil && s.Status.ExecInfo != nil && s.Status.ExecInfo.QueueRemaining != nil {
			remaining := *s.Status.ExecInfo.QueueRemaining
			ev.QueueRemaining = &remaining
		}
		return ev, nil

	case "progress":
		var p wireProgress
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode progress event: %w", err)
		}
		return ProgressEvent{PromptID: p.PromptID, Node: deref(p.Node), Value: p.Value, Max: p.Max}, nil

	case "executing":
		var n wireNode
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return nil, fmt.Errorf("failed to decode executing event: %w", err)
		}
		return ExecutingEvent{PromptID: n.PromptID, Node: deref(n.Node)}, nil

	case "executed":
		var n wireNode
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return nil, fmt.Errorf("failed to decode executed event: %w", err)
		}
		return ExecutedEvent{PromptID: n.PromptID, Node: deref(n.Node)}, nil

	case "execution_cached":
		var c wireCached
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			return nil, fmt.Errorf("failed to decode execution_cached event: %w", err)
		}
		return ExecutionCachedEvent{PromptID: c.PromptID, Nodes: c.Nodes}, nil

	case "execution_success":
		var n wireNode
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return nil, fmt.Errorf("failed to decode execution_success event: %w", err)
		}
		return ExecutionSuccessEvent{PromptID: n.PromptID}, nil

	case "execution_error":
		var e wireError
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode execution_error event: %w", err)
		}
		return ExecutionErrorEvent{PromptID: e.PromptID, NodeID: e.NodeID, NodeType: e.NodeType, Message: e.ExceptionMessage}, nil

	case "execution_interrupted":
		var n wireNode
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return nil, fmt.Errorf("failed to decode execution_interrupted event: %w", err)
		}
		return ExecutionInterruptedEvent{PromptID: n.PromptID}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Type)
}

// Binary frame event types
const (
	binaryPreviewImage             = 1
	binaryPreviewImageWithMetadata = 4
)

// DecodeBinary decodes a binary frame. The first four bytes are a big-endian event type.
func DecodeBinary(data []byte) (Event, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}

	switch binary.BigEndian.Uint32(data[:4]) {
	case binaryPreviewImage:
		return PreviewEvent{
			MimeType: previewMime(binary.BigEndian.Uint32(data[4:8])),
			Data:     data[8:],
		}, nil

	case binaryPreviewImageWithMetadata:
		size := int(binary.BigEndian.Uint32(data[4:8]))
		if size < 0 || len(data) < 8+size {
			return nil, fmt.Errorf("preview metadata length %d exceeds frame", size)
		}
		var meta struct {
			PromptID  string `json:"prompt_id"`
			ImageType string `json:"image_type"`
		}
		if err := json.Unmarshal(data[8:8+size], &meta); err != nil {
			return nil, fmt.Errorf("failed to decode preview metadata: %w", err)
		}
		mime := meta.ImageType
		if mime == "" {
			mime = "image/jpeg"
		}
		return PreviewEvent{PromptID: meta.PromptID, MimeType: mime, Data: data[8+size:]}, nil
	}

	return nil, fmt.Errorf("%w: binary type %d", ErrUnknownEvent, binary.BigEndian.Uint32(data[:4]))
}

func previewMime(format uint32) string {
	if format == 2 {
		return "image/png"
	}
	return "image/jpeg"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
