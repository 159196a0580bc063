// Package annotation holds the out-of-band metadata documents that can be
// attached to a time series row. Annotation cells ride in the same store
// rows as datapoints but are never merged into the compacted cell.
package annotation

import (
	"encoding/json"
	"fmt"
)

// Annotation is a note attached to a series at a point or range in time.
type Annotation struct {
	TSUID       string            `json:"tsuid,omitempty"`
	StartTime   int64             `json:"startTime"`
	EndTime     int64             `json:"endTime,omitempty"`
	Description string            `json:"description,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// Parse decodes the JSON document stored in an annotation cell's value.
func Parse(data []byte) (Annotation, error) {
	var note Annotation
	if err := json.Unmarshal(data, &note); err != nil {
		return Annotation{}, fmt.Errorf("failed to decode annotation document: %w", err)
	}
	return note, nil
}
