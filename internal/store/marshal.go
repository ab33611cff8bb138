package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/flowq/internal/ir"
)

// marshalParams converts parameters to canonical JSON TEXT for storage.
func marshalParams(params ir.Object) (string, error) {
	if params == nil {
		params = ir.Object{}
	}
	data, err := ir.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	return string(data), nil
}

// unmarshalParams parses canonical JSON TEXT back to an object.
// ir.Object.UnmarshalJSON keeps integers exact.
func unmarshalParams(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return obj, nil
}

// marshalColumns stores an ordered column list as a JSON array.
func marshalColumns(cols []string) (string, error) {
	if cols == nil {
		cols = []string{}
	}
	data, err := json.Marshal(cols)
	if err != nil {
		return "", fmt.Errorf("marshal columns: %w", err)
	}
	return string(data), nil
}

func unmarshalColumns(data string) ([]string, error) {
	var cols []string
	if err := json.Unmarshal([]byte(data), &cols); err != nil {
		return nil, fmt.Errorf("unmarshal columns: %w", err)
	}
	return cols, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
