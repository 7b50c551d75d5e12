package corpus

import (
	"encoding/json"
	"fmt"
)

// Offsets is the checkpoint table sidecar produced by the parser service.
// Checkpoints[i] is the byte offset of char i*Interval in the canonical
// UTF-8 text.
type Offsets struct {
	Version     int     `json:"version"`
	Interval    int     `json:"interval"`
	TotalChars  int     `json:"total_chars"`
	TotalBytes  int64   `json:"total_bytes"`
	Checkpoints []int64 `json:"checkpoints"`
}

// ParseOffsets decodes and sanity-checks an offsets sidecar.
func ParseOffsets(data []byte) (*Offsets, error) {
	var o Offsets
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to decode offsets sidecar: %w", err)
	}
	if o.Interval <= 0 {
		return nil, fmt.Errorf("offsets sidecar has invalid interval %d", o.Interval)
	}
	if len(o.Checkpoints) == 0 || o.Checkpoints[0] != 0 {
		return nil, fmt.Errorf("offsets sidecar must start with a zero checkpoint")
	}
	return &o, nil
}

// BuildOffsets computes a checkpoint table for canonical text. Used by the
// in-process ingestion path and tests; the production sidecar comes from
// the parser service and must match byte for byte.
func BuildOffsets(text string, interval int) *Offsets {
	o := &Offsets{
		Version:    1,
		Interval:   interval,
		TotalBytes: int64(len(text)),
	}
	chars := 0
	for i := range text {
		if chars%interval == 0 {
			o.Checkpoints = append(o.Checkpoints, int64(i))
		}
		chars++
	}
	if chars == 0 {
		o.Checkpoints = []int64{0}
	}
	o.TotalChars = chars
	return o
}

// checkpointBefore returns the byte offset of the nearest checkpoint at or
// before char, and the char index of that checkpoint.
func (o *Offsets) checkpointBefore(char int) (byteOff int64, checkpointChar int) {
	idx := char / o.Interval
	if idx >= len(o.Checkpoints) {
		idx = len(o.Checkpoints) - 1
	}
	return o.Checkpoints[idx], idx * o.Interval
}

// byteUpperBound returns a byte offset at or after the end of char, cheap
// to compute from the table. Reads bounded by it cover the requested range.
func (o *Offsets) byteUpperBound(char int) int64 {
	idx := char/o.Interval + 1
	if char%o.Interval == 0 {
		idx = char / o.Interval
	}
	if idx >= len(o.Checkpoints) {
		return o.TotalBytes
	}
	return o.Checkpoints[idx]
}
