package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// The types below are JSON column wrappers. They exist so that sqlx can scan
// jsonb columns straight into entity structs without per-query marshalling.

// StringList is a JSON-encoded ordered list of IDs.
type StringList []string

// AssetMap maps a logical asset name to its blob-store path.
type AssetMap map[string]string

// JSONMap is an opaque caller-supplied metadata object.
type JSONMap map[string]any

// UpstreamRef points at the output of a completed predecessor task run.
type UpstreamRef struct {
	OutputPath string   `json:"outputPath"`
	Assets     AssetMap `json:"assets,omitempty"`
}

// UpstreamRefMap maps predecessor task ID to its output reference.
type UpstreamRefMap map[string]UpstreamRef

// AttemptRecord is one entry of a task run's retry history.
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AttemptList is the append-only retry history, ordered by attempt.
type AttemptList []AttemptRecord

// PipelineNode is one task's declared routing inside a pipeline structure.
type PipelineNode struct {
	AllowedNext []string `json:"allowedNext"`
}

// Structure is a pipeline's task routing map: taskId -> declared successors.
type Structure map[string]PipelineNode

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func jsonScan(src, dst any) error {
	if src == nil {
		return nil
	}
	switch data := src.(type) {
	case []byte:
		return json.Unmarshal(data, dst)
	case string:
		return json.Unmarshal([]byte(data), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return jsonValue(l)
}
func (l *StringList) Scan(src any) error { return jsonScan(src, l) }

func (m AssetMap) Value() (driver.Value, error) {
	if m == nil {
		m = AssetMap{}
	}
	return jsonValue(m)
}
func (m *AssetMap) Scan(src any) error { return jsonScan(src, m) }

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	return jsonValue(m)
}
func (m *JSONMap) Scan(src any) error { return jsonScan(src, m) }

func (m UpstreamRefMap) Value() (driver.Value, error) {
	if m == nil {
		m = UpstreamRefMap{}
	}
	return jsonValue(m)
}
func (m *UpstreamRefMap) Scan(src any) error { return jsonScan(src, m) }

func (l AttemptList) Value() (driver.Value, error) {
	if l == nil {
		l = AttemptList{}
	}
	return jsonValue(l)
}
func (l *AttemptList) Scan(src any) error { return jsonScan(src, l) }

func (s Structure) Value() (driver.Value, error) {
	if s == nil {
		s = Structure{}
	}
	return jsonValue(s)
}
func (s *Structure) Scan(src any) error { return jsonScan(src, s) }
