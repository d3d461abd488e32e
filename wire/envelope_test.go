package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwzz3311/silent-agent-sub001/errors"
)

func TestEncodeExecuteRequest(t *testing.T) {
	req := Request{
		ID:     "req-1",
		Method: MethodExecuteTool,
		Params: ExecuteParams{
			Name:      "chrome_navigate",
			Args:      map[string]any{"url": "https://example.com"},
			Timeout:   30,
			SecretKey: "key-a",
		},
	}

	data, err := Encode(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "req-1", decoded["id"])
	assert.Equal(t, "executeTool", decoded["method"])

	params := decoded["params"].(map[string]any)
	assert.Equal(t, "chrome_navigate", params["name"])
	assert.Equal(t, float64(30), params["timeout"])
	assert.Equal(t, "key-a", params["secretKey"])
}

func TestEncodeOmitsEmptyOptionals(t *testing.T) {
	data, err := Encode(Request{Method: MethodExecuteTool, Params: ExecuteParams{Name: "x", Args: map[string]any{}}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "id")

	params := decoded["params"].(map[string]any)
	assert.NotContains(t, params, "timeout")
	assert.NotContains(t, params, "secretKey")
}

func TestDecodeResponseFrame(t *testing.T) {
	frame, err := Decode([]byte(`{"id":"req-1","result":{"success":true,"data":42}}`))
	require.NoError(t, err)

	assert.Equal(t, "req-1", frame.ID)
	assert.Nil(t, frame.Error)
	assert.False(t, frame.IsEvent())
	assert.JSONEq(t, `{"success":true,"data":42}`, string(frame.Result))
}

func TestDecodeErrorFrame(t *testing.T) {
	frame, err := Decode([]byte(`{"id":"req-2","error":{"message":"tool not found","code":404}}`))
	require.NoError(t, err)

	require.NotNil(t, frame.Error)
	assert.Equal(t, "tool not found", frame.Error.Message)
	assert.Equal(t, 404, frame.Error.Code)
	assert.Equal(t, "tool not found", frame.Error.Error())
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestIsEventBothShapes(t *testing.T) {
	typed, err := Decode([]byte(`{"type":"event","data":{"type":"extension_connected"}}`))
	require.NoError(t, err)
	assert.True(t, typed.IsEvent())

	methoded, err := Decode([]byte(`{"method":"event","params":{"type":"extension_connected"}}`))
	require.NoError(t, err)
	assert.True(t, methoded.IsEvent())

	neither, err := Decode([]byte(`{"id":"x","result":{}}`))
	require.NoError(t, err)
	assert.False(t, neither.IsEvent())
}

func TestEventExtraction(t *testing.T) {
	frame, err := Decode([]byte(`{"method":"event","params":{"type":"extension_connected","tools":["chrome_click"]}}`))
	require.NoError(t, err)

	name, payload := frame.Event()
	assert.Equal(t, EventExtensionConnected, name)
	assert.Equal(t, []any{"chrome_click"}, payload["tools"])
}

func TestEventExtractionDataFallback(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"event","data":{"event":"custom_thing","detail":1}}`))
	require.NoError(t, err)

	name, payload := frame.Event()
	assert.Equal(t, "custom_thing", name)
	assert.Equal(t, float64(1), payload["detail"])
}

func TestEventExtractionEmpty(t *testing.T) {
	frame, err := Decode([]byte(`{"method":"event"}`))
	require.NoError(t, err)

	name, payload := frame.Event()
	assert.Empty(t, name)
	assert.Nil(t, payload)
}

func TestPing(t *testing.T) {
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(Ping(), &decoded))
	assert.Equal(t, "ping", decoded["type"])
}
