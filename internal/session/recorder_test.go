package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureInitializeSetsParamsExactlyOnce(t *testing.T) {
	r := New("sess-1")
	require.False(t, r.HasInitializeParams())

	r.CaptureInitialize(json.RawMessage(`{"clientInfo":{"name":"first"}}`))
	require.True(t, r.HasInitializeParams())
	assert.JSONEq(t, `{"clientInfo":{"name":"first"}}`, string(r.InitializeParams()))

	// A second capture must not clobber the first.
	r.CaptureInitialize(json.RawMessage(`{"clientInfo":{"name":"second"}}`))
	assert.JSONEq(t, `{"clientInfo":{"name":"first"}}`, string(r.InitializeParams()))
}

func TestRecordCapabilitiesReplacesOnEachCall(t *testing.T) {
	r := New("sess-1")
	r.RecordCapabilities(json.RawMessage(`{"tools":{}}`))
	assert.JSONEq(t, `{"tools":{}}`, string(r.Capabilities()))

	r.RecordCapabilities(json.RawMessage(`{"tools":{},"resources":{}}`))
	assert.JSONEq(t, `{"tools":{},"resources":{}}`, string(r.Capabilities()))
}

func TestRecordToolList(t *testing.T) {
	r := New("sess-1")
	assert.Nil(t, r.ToolList())

	r.RecordToolList(json.RawMessage(`{"tools":[{"name":"echo"}]}`))
	assert.JSONEq(t, `{"tools":[{"name":"echo"}]}`, string(r.ToolList()))
}

func TestBuildInitializeReplayFailsWithoutCapture(t *testing.T) {
	r := New("sess-1")
	_, err := r.BuildInitializeReplay(-1)
	assert.Error(t, err)
}

func TestBuildInitializeReplayUsesCapturedParamsAndInternalID(t *testing.T) {
	r := New("sess-1")
	r.CaptureInitialize(json.RawMessage(`{"clientInfo":{"name":"acme"}}`))

	frame, err := r.BuildInitializeReplay(-7)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, "initialize", decoded["method"])
	assert.Equal(t, float64(-7), decoded["id"])
	assert.Equal(t, "acme", decoded["params"].(map[string]interface{})["clientInfo"].(map[string]interface{})["name"])
}

func TestBuildToolsListProbe(t *testing.T) {
	frame, err := BuildToolsListProbe(-9)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, "tools/list", decoded["method"])
	assert.Equal(t, float64(-9), decoded["id"])
}
