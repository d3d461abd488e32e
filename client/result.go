package client

import (
	"encoding/json"
)

// Result is the normalized outcome of an executed operation, local or
// remote. Error is nil on success.
type Result struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Error   *string `json:"error"`
}

func errString(s string) *string {
	return &s
}

// normalizeValue converts a handler or remote return value into the standard
// result shape. Values already shaped as results pass through; everything
// else becomes a successful result carrying the value as data.
func normalizeValue(v any) Result {
	switch value := v.(type) {
	case Result:
		return value
	case *Result:
		if value != nil {
			return *value
		}
		return Result{Success: true}
	case map[string]any:
		if _, ok := value["success"]; ok {
			return resultFromMap(value)
		}
		// Tool-protocol shape: content plus an isError flag.
		if _, ok := value["isError"]; ok {
			return resultFromContent(value)
		}
		return Result{Success: true, Data: value}
	default:
		return Result{Success: true, Data: v}
	}
}

// normalizeRaw converts a raw remote response into the standard result shape.
func normalizeRaw(raw json.RawMessage) Result {
	if len(raw) == 0 {
		return Result{Success: true}
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Result{Success: false, Error: errString("malformed result: " + err.Error())}
	}
	return normalizeValue(v)
}

// resultFromMap maps an explicit {success, data, error} object.
func resultFromMap(m map[string]any) Result {
	success, _ := m["success"].(bool)
	result := Result{
		Success: success,
		Data:    m["data"],
	}
	if errVal, ok := m["error"]; ok && errVal != nil {
		if msg := errorMessage(errVal); msg != "" {
			result.Error = errString(msg)
		}
	}
	return result
}

// resultFromContent maps the {content, isError} tool-result shape.
func resultFromContent(m map[string]any) Result {
	isError, _ := m["isError"].(bool)
	result := Result{Success: !isError}

	data := m["data"]
	if data == nil {
		data = m["content"]
	}
	result.Data = data

	if isError {
		if msg := errorMessage(m["error"]); msg != "" {
			result.Error = errString(msg)
		} else if msg := firstContentText(m["content"]); msg != "" {
			result.Error = errString(msg)
		}
	}
	return result
}

// errorMessage extracts a message from an error value that may be a string
// or a {message: ...} object.
func errorMessage(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	return ""
}

// firstContentText pulls the text of the first content block, the shape
// tool errors arrive in.
func firstContentText(v any) string {
	blocks, ok := v.([]any)
	if !ok || len(blocks) == 0 {
		return ""
	}
	block, ok := blocks[0].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := block["text"].(string)
	return text
}
