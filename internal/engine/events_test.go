package engine

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Event
	}{
		{
			name: "progress",
			data: `{"type":"progress","data":{"value":3,"max":20,"prompt_id":"p","node":"3"}}`,
			want: ProgressEvent{PromptID: "p", Node: "3", Value: 3, Max: 20},
		},
		{
			name: "executing with null node",
			data: `{"type":"executing","data":{"node":null,"prompt_id":"p"}}`,
			want: ExecutingEvent{PromptID: "p"},
		},
		{
			name: "executed",
			data: `{"type":"executed","data":{"node":"9","prompt_id":"p","output":{"images":[]}}}`,
			want: ExecutedEvent{PromptID: "p", Node: "9"},
		},
		{
			name: "execution_cached",
			data: `{"type":"execution_cached","data":{"nodes":["1","2"],"prompt_id":"p"}}`,
			want: ExecutionCachedEvent{PromptID: "p", Nodes: []string{"1", "2"}},
		},
		{
			name: "execution_success",
			data: `{"type":"execution_success","data":{"prompt_id":"p"}}`,
			want: ExecutionSuccessEvent{PromptID: "p"},
		},
		{
			name: "execution_error",
			data: `{"type":"execution_error","data":{"prompt_id":"p","node_id":"3","node_type":"KSampler","exception_message":"OOM"}}`,
			want: ExecutionErrorEvent{PromptID: "p", NodeID: "3", NodeType: "KSampler", Message: "OOM"},
		},
		{
			name: "execution_interrupted",
			data: `{"type":"execution_interrupted","data":{"prompt_id":"p"}}`,
			want: ExecutionInterruptedEvent{PromptID: "p"},
		},
		{
			name: "status without remaining",
			data: `{"type":"status","data":{"sid":"s-1"}}`,
			want: StatusEvent{SessionID: "s-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeText([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeText_StatusWithRemaining(t *testing.T) {
	ev, err := DecodeText([]byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":4}},"sid":"abc"}}`))
	require.NoError(t, err)

	status, ok := ev.(StatusEvent)
	require.True(t, ok)
	require.NotNil(t, status.QueueRemaining)
	assert.Equal(t, 4, *status.QueueRemaining)
	assert.Equal(t, "abc", status.SessionID)
}

func TestDecodeText_UnknownAndMalformed(t *testing.T) {
	_, err := DecodeText([]byte(`{"type":"crystools.monitor","data":{}}`))
	assert.True(t, errors.Is(err, ErrUnknownEvent))

	_, err = DecodeText([]byte(`not json`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownEvent))
}

func TestDecodeBinary(t *testing.T) {
	frame := make([]byte, 8, 12)
	binary.BigEndian.PutUint32(frame[0:4], 1)
	binary.BigEndian.PutUint32(frame[4:8], 2)
	frame = append(frame, 0x89, 'P', 'N', 'G')

	ev, err := DecodeBinary(frame)
	require.NoError(t, err)
	preview := ev.(PreviewEvent)
	assert.Equal(t, "image/png", preview.MimeType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, preview.Data)
	assert.Empty(t, preview.PromptID)
}

func TestDecodeBinary_WithMetadata(t *testing.T) {
	meta := []byte(`{"prompt_id":"p-7","image_type":"image/webp"}`)
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[0:4], 4)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(meta)))
	frame = append(frame, meta...)
	frame = append(frame, 'W', 'E', 'B', 'P')

	ev, err := DecodeBinary(frame)
	require.NoError(t, err)
	preview := ev.(PreviewEvent)
	assert.Equal(t, "p-7", preview.PromptID)
	assert.Equal(t, "image/webp", preview.MimeType)
	assert.Equal(t, []byte("WEBP"), preview.Data)

	_, err = DecodeBinary([]byte{0, 0})
	assert.Error(t, err)
}

func TestHistoryEntry_ImagesAndErrors(t *testing.T) {
	entry := &HistoryEntry{
		Outputs: map[string]NodeOutput{
			"10": {Images: []ImageRef{{Filename: "b.png", Type: "output"}}},
			"9": {Images: []ImageRef{
				{Filename: "a.png", Type: "output"},
				{Filename: "a.png", Type: "output"},
				{Filename: "preview.png", Type: "temp"},
			}},
		},
		Status: HistoryStatus{
			StatusStr: "error",
			Messages: [][]interface{}{
				{"execution_start", map[string]interface{}{"prompt_id": "p"}},
				{"execution_error", map[string]interface{}{"exception_message": " CUDA out of memory "}},
			},
		},
	}

	images := entry.Images()
	require.Len(t, images, 2)
	assert.Equal(t, "a.png", images[0].Filename)
	assert.Equal(t, "b.png", images[1].Filename)
	assert.Equal(t, HistoryStateError, entry.State())
	assert.Equal(t, "CUDA out of memory", entry.ErrorMessage())

	var nilEntry *HistoryEntry
	assert.Nil(t, nilEntry.Images())
	assert.Equal(t, "", nilEntry.State())
}
