package adapter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxlabs/agentd/internal/ues"
)

func newTestACPAdapter(t *testing.T) (*acpAdapter, *recordingSink) {
	t.Helper()
	a := newACPAdapter(Config{SessionID: "s1", AgentKind: ues.AgentGemini, WorkingDir: t.TempDir()}).(*acpAdapter)
	sink := &recordingSink{}
	a.sink = sink
	return a, sink
}

func TestACPHandleSessionUpdateMessageChunk(t *testing.T) {
	a, sink := newTestACPAdapter(t)

	a.handleLine(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello there"}}}}`)

	require.Len(t, sink.events, 2)
	assert.Equal(t, ues.TypeItemStarted, sink.events[0].Type)
	assert.Equal(t, ues.TypeItemDelta, sink.events[1].Type)

	var started ues.ItemStartedPayload
	require.NoError(t, json.Unmarshal(sink.events[0].Payload, &started))
	assert.Equal(t, ues.ItemMessage, started.Kind)

	var delta ues.ItemDeltaPayload
	require.NoError(t, json.Unmarshal(sink.events[1].Payload, &delta))
	assert.Equal(t, started.ItemID, delta.ItemID)
	assert.Equal(t, "hello there", delta.Delta)
	assert.Equal(t, ues.DeltaText, delta.Kind)
}

func TestACPHandleSessionUpdateMessageChunkSealsOnTurnEnd(t *testing.T) {
	a, sink := newTestACPAdapter(t)

	a.handleLine(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}}}`)
	require.Len(t, sink.events, 2)
	startedID := ""
	var started ues.ItemStartedPayload
	require.NoError(t, json.Unmarshal(sink.events[0].Payload, &started))
	startedID = started.ItemID

	a.sealOpenItems(ues.ItemStatusCompleted)

	require.Len(t, sink.events, 3)
	assert.Equal(t, ues.TypeItemCompleted, sink.events[2].Type)
	var completed ues.ItemCompletedPayload
	require.NoError(t, json.Unmarshal(sink.events[2].Payload, &completed))
	assert.Equal(t, startedID, completed.ItemID)
	assert.Equal(t, ues.ItemStatusCompleted, completed.Status)

	assert.Empty(t, a.messageItemID)
}

func TestACPHandleSessionUpdateToolCall(t *testing.T) {
	a, sink := newTestACPAdapter(t)

	a.handleLine(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess1","update":{"sessionUpdate":"tool_call","toolCallId":"tc1","toolName":"read_file"}}}`)
	a.handleLine(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc1","status":"completed"}}}`)

	require.Len(t, sink.events, 2)
	assert.Equal(t, ues.TypeItemStarted, sink.events[0].Type)
	assert.Equal(t, ues.TypeItemCompleted, sink.events[1].Type)

	var completed ues.ItemCompletedPayload
	require.NoError(t, json.Unmarshal(sink.events[1].Payload, &completed))
	assert.Equal(t, ues.ItemStatusCompleted, completed.Status)
}

func TestACPHandleUnparsableLine(t *testing.T) {
	a, sink := newTestACPAdapter(t)

	a.handleLine("not json at all")

	require.Len(t, sink.events, 1)
	assert.Equal(t, ues.TypeAgentUnparsed, sink.events[0].Type)
}

func TestACPHandleReadTextFile(t *testing.T) {
	a, _ := newTestACPAdapter(t)

	path := filepath.Join(a.cfg.WorkingDir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	var written []byte
	a.respondForTest = func(data []byte) { written = data }

	id := int64(7)
	params, err := json.Marshal(map[string]string{"path": path})
	require.NoError(t, err)
	a.handleReadTextFile(acpRequest{JSONRPC: "2.0", ID: &id, Params: params})

	require.NotNil(t, written)
	var resp acpRequest
	require.NoError(t, json.Unmarshal(written, &resp))

	var result struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "contents", result.Content)
}

func TestACPHandleReadTextFileMissing(t *testing.T) {
	a, _ := newTestACPAdapter(t)

	var written []byte
	a.respondForTest = func(data []byte) { written = data }

	id := int64(8)
	params, err := json.Marshal(map[string]string{"path": filepath.Join(a.cfg.WorkingDir, "missing.txt")})
	require.NoError(t, err)
	a.handleReadTextFile(acpRequest{JSONRPC: "2.0", ID: &id, Params: params})

	require.NotNil(t, written)
	var resp acpRequest
	require.NoError(t, json.Unmarshal(written, &resp))
	assert.Nil(t, resp.Error)

	var result struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "", result.Content)
}

func TestACPTerminalMethodsUnsupported(t *testing.T) {
	a, _ := newTestACPAdapter(t)
	var written []byte
	a.respondForTest = func(data []byte) { written = data }

	a.handleLine(`{"jsonrpc":"2.0","id":3,"method":"terminal/create","params":{}}`)

	require.NotNil(t, written)
	var resp acpRequest
	require.NoError(t, json.Unmarshal(written, &resp))
	require.NotNil(t, resp.Error)
}

func TestACPResolveQuestionIsNoop(t *testing.T) {
	a, _ := newTestACPAdapter(t)
	assert.NoError(t, a.ResolveQuestion(context.Background(), "anything", nil, false))
}

func TestACPResolvePermissionUnknownRequest(t *testing.T) {
	a, _ := newTestACPAdapter(t)
	err := a.ResolvePermission(context.Background(), "no-such-request", ues.PermissionOnce)
	require.Error(t, err)
}
