package models

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// EncodeJSON marshals v with the wire codec used on every queue and store.
func EncodeJSON[T any](v T) ([]byte, error) {
	return sonic.Marshal(v)
}

// DecodeJSON unmarshals data into v.
func DecodeJSON[T any](data []byte, v *T) error {
	return sonic.Unmarshal(data, v)
}

// DecodeRecords parses a transformation-script output or a downstream queue
// payload as an array of NormalizedRecord.
func DecodeRecords(data []byte) ([]NormalizedRecord, error) {
	var recs []NormalizedRecord
	if err := sonic.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("malformed record array: %w", err)
	}
	return recs, nil
}

// EncodeRecords marshals a record array for the downstream queues.
func EncodeRecords(recs []NormalizedRecord) ([]byte, error) {
	data, err := sonic.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("encoding record array: %w", err)
	}
	return data, nil
}
