package scan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the job a Request asks the worker to do.
type Kind int

const (
	// KindPoint moves both axes, then measures.
	KindPoint Kind = iota
	// KindSettle moves both axes without measuring.
	KindSettle
	// KindProbe measures at the current position without moving.
	KindProbe
)

// String returns a human-readable string for the kind.
func (k Kind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindSettle:
		return "settle"
	case KindProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Reading is a detector count that may be absent. Valid is false for a cell
// whose acquisition failed.
type Reading struct {
	Value float64
	Valid bool
}

// NoData is the absent reading.
func NoData() Reading { return Reading{} }

// ValueOf returns a valid reading.
func ValueOf(v float64) Reading { return Reading{Value: v, Valid: true} }

// MarshalJSON encodes an absent reading as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON decodes null as an absent reading.
func (r *Reading) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Reading{}
		return nil
	}
	if err := json.Unmarshal(data, &r.Value); err != nil {
		return err
	}
	r.Valid = true
	return nil
}

// Request is one job for the worker. The grid indices travel with the job
// so a result is never attributed by comparing positions.
type Request struct {
	Seq        uint64
	SessionID  string
	Kind       Kind
	Linear     int
	XIndex     int
	YIndex     int
	XPos       float64
	YPos       float64
	ExposureMs float64
	Repeats    int
	// Attempt counts retries of the same cell, starting at 0.
	Attempt int
}

// String identifies the request in logs and errors.
func (r Request) String() string {
	if r.Kind == KindProbe {
		return fmt.Sprintf("probe#%d", r.Seq)
	}
	return fmt.Sprintf("%s#%d(%d,%d)", r.Kind, r.Seq, r.XIndex, r.YIndex)
}

// Result is the worker's answer to a Request.
type Result struct {
	Request
	RealizedX float64
	RealizedY float64
	Count     Reading
	Err       error
	Elapsed   time.Duration
}
