package update

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdate_MetadataIsCopied(t *testing.T) {
	meta := map[string]any{"toolName": "bash"}
	u := New(ToolUse, "Using tool: bash", meta)

	meta["toolName"] = "mutated"
	got := u.Metadata()
	require.Equal(t, "bash", got["toolName"])

	got["toolName"] = "mutated again"
	v, ok := u.Meta("toolName")
	require.True(t, ok)
	require.Equal(t, "bash", v)
}

func TestUpdate_WireShape(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	u := NewAt(ToolResult, "Tool output: ok", ts, map[string]any{"hasScreenshot": true})

	data, err := json.Marshal(u)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "update", decoded["type"])
	require.Equal(t, "tool_result", decoded["updateKind"])
	require.Equal(t, "Tool output: ok", decoded["content"])
	require.Equal(t, "2025-03-01T12:00:00Z", decoded["timestamp"])
	require.Equal(t, map[string]any{"hasScreenshot": true}, decoded["metadata"])
}

func TestUpdate_EmptyMetadataEncodesAsObject(t *testing.T) {
	data, err := json.Marshal(New(Complete, "done", nil))
	require.NoError(t, err)
	require.Contains(t, string(data), `"metadata":{}`)
}

func TestKind_UnmarshalRejectsUnknown(t *testing.T) {
	var k Kind
	require.NoError(t, json.Unmarshal([]byte(`"complete"`), &k))
	require.Equal(t, Complete, k)
	require.Error(t, json.Unmarshal([]byte(`"nope"`), &k))
}
