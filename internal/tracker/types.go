package tracker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a tracker.
type State string

// Tracker lifecycle states. A tracker only ever moves from pending to retired.
const (
	StatePending State = "PENDING"
	StateRetired State = "RETIRED"
)

var (
	// ErrMalformedRecord marks a persisted record that cannot be turned into a valid Tracker.
	ErrMalformedRecord = errors.New("malformed tracker record")
	// ErrMissingField marks a record lacking url, target_price or email.
	ErrMissingField = errors.New("missing required field")
	// ErrNotFound is returned by a Medium when the requested key does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when a new record would overwrite an existing one.
	ErrExists = errors.New("record already exists")
)

// Handle identifies the physical record backing a tracker, for later deletion.
type Handle string

// Draft is the caller-supplied content of a tracker before an id is assigned.
type Draft struct {
	URL         string
	TargetPrice decimal.Decimal
	Email       string
	CreatedAt   time.Time
}

// Tracker is a persisted watch request. Fields are write-once.
type Tracker struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Email       string          `json:"email"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Entry pairs a listed tracker with the handle of its physical record.
type Entry struct {
	Handle  Handle
	Tracker Tracker
}

// Validate checks the required fields of a draft.
func (d Draft) Validate() error {
	return validateFields(d.URL, &d.TargetPrice, d.Email)
}

// Validate checks that the tracker carries every field the engine needs.
func (t Tracker) Validate() error {
	return validateFields(t.URL, &t.TargetPrice, t.Email)
}

// WithID builds the Tracker a draft becomes once persisted under id.
func (d Draft) WithID(id string) Tracker {
	return Tracker{
		ID:          id,
		URL:         d.URL,
		TargetPrice: d.TargetPrice,
		Email:       d.Email,
		CreatedAt:   d.CreatedAt,
	}
}

func validateFields(url string, target *decimal.Decimal, email string) error {
	var missing []string
	if strings.TrimSpace(url) == "" {
		missing = append(missing, "url")
	}
	if target == nil {
		missing = append(missing, "target_price")
	}
	if strings.TrimSpace(email) == "" {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	if !target.IsPositive() {
		return fmt.Errorf("target_price must be > 0, got %s", target.String())
	}
	return nil
}
