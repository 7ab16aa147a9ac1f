package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// fileRecord is the persisted layout. created_at is unix seconds so that data directories
// written by earlier versions of the service keep loading.
type fileRecord struct {
	URL         string      `json:"url"`
	TargetPrice json.Number `json:"target_price"`
	Email       string      `json:"email"`
	CreatedAt   float64     `json:"created_at"`
}

type fileRecordIn struct {
	URL         string           `json:"url"`
	TargetPrice *decimal.Decimal `json:"target_price"`
	Email       string           `json:"email"`
	CreatedAt   json.RawMessage  `json:"created_at"`
}

// Encode serializes a draft into the persisted record layout.
func Encode(d Draft) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("encode tracker: %w", err)
	}
	rec := fileRecord{
		URL:         d.URL,
		TargetPrice: json.Number(d.TargetPrice.String()),
		Email:       d.Email,
	}
	if !d.CreatedAt.IsZero() {
		rec.CreatedAt = float64(d.CreatedAt.UnixNano()) / float64(time.Second)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tracker: %w", err)
	}
	return data, nil
}

// Decode parses a persisted record. Any failure wraps ErrMalformedRecord, and a record lacking
// a required field additionally wraps ErrMissingField.
func Decode(id string, data []byte) (Tracker, error) {
	var rec fileRecordIn
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&rec); err != nil {
		return Tracker{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, id, err)
	}
	if err := validateFields(rec.URL, rec.TargetPrice, rec.Email); err != nil {
		return Tracker{}, fmt.Errorf("%w: %s: %w", ErrMalformedRecord, id, err)
	}
	return Tracker{
		ID:          id,
		URL:         rec.URL,
		TargetPrice: *rec.TargetPrice,
		Email:       rec.Email,
		CreatedAt:   parseCreatedAt(rec.CreatedAt),
	}, nil
}

// parseCreatedAt is lenient: created_at is informational and never blocks evaluation.
func parseCreatedAt(raw json.RawMessage) time.Time {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return time.Time{}
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	}
	var stamp string
	if err := json.Unmarshal(raw, &stamp); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
