package capture

import (
	"bytes"
	"encoding/json"

	"github.com/dgnsrekt/empire_catcher/internal/types"
)

// DecodePayload checks that body is a JSON document and returns it compacted.
// An empty body returns (nil, nil).
func DecodePayload(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, types.NewError(types.CodeMalformedPayload, "response body is not valid JSON", nil)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, types.NewError(types.CodeMalformedPayload, "compact response body", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
