// Package payload converts message bodies between their wire form and the
// decoded JSON objects handed to processors.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/our-edu/go-queue-harness/internal/contracts"
)

// WrapperBodyField is the field carrying the inner body when an SQS-shaped
// message was forwarded into the broker.
const WrapperBodyField = "Body"

// Decode parses body as a JSON object. Anything else (invalid JSON, arrays,
// scalars, null) is a DecodeError.
func Decode(body []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, contracts.NewDecodeError("empty message body", nil)
	}

	var value any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, contracts.NewDecodeError("message body is not valid JSON", err)
	}
	if dec.More() {
		return nil, contracts.NewDecodeError("message body has trailing data after the JSON value", nil)
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, contracts.NewDecodeError(fmt.Sprintf("message body is a JSON %s, expected an object", kind(value)), nil)
	}
	return obj, nil
}

// UnwrapBrokerBody returns the inner body of a {"Body": "<json>"} wrapper.
// Bodies that are not such a wrapper are returned unchanged.
func UnwrapBrokerBody(body []byte) []byte {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return body
	}
	raw, ok := wrapper[WrapperBodyField]
	if !ok {
		return body
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return body
	}
	return []byte(inner)
}

// Encode renders an enqueue payload. Strings and byte slices go out
// verbatim, everything else is JSON-encoded.
func Encode(v any) (string, error) {
	switch body := v.(type) {
	case string:
		return body, nil
	case []byte:
		return string(body), nil
	case json.RawMessage:
		return string(body), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode message body: %w", err)
	}
	return string(data), nil
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	}
	return "value"
}
