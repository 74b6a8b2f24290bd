package notification

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalid is wrapped by all validation failures so callers can map the
// whole family with errors.Is.
var ErrInvalid = errors.New("invalid notification")

// Kind discriminates the payload shape of a record.
type Kind string

const (
	KindInfo     Kind = "INFO"
	KindError    Kind = "ERROR"
	KindCoins    Kind = "COINS"
	KindFreeHTML Kind = "FREE_HTML"
	KindURLHTML  Kind = "URL_HTML"
)

// Kinds lists every valid kind, in the order shown to operators.
func Kinds() []Kind {
	return []Kind{KindInfo, KindError, KindCoins, KindFreeHTML, KindURLHTML}
}

func (k Kind) Valid() bool {
	switch k {
	case KindInfo, KindError, KindCoins, KindFreeHTML, KindURLHTML:
		return true
	}
	return false
}

// Display time bounds for non-permanent records (milliseconds).
const (
	MinDisplayTimeMS     = 1000
	MaxDisplayTimeMS     = 30000
	DefaultDisplayTimeMS = 5000
)

// Notification is a single record as persisted and as sent over the wire
// (whole records serialized as a flat object).
//
// HTMLContent and FetchError are read-time annotations for URL_HTML records;
// IsFavorite is a read-time annotation from the favorites set. None of the
// three are persisted.
type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Kind        Kind      `json:"type"`
	Message     string    `json:"message"`
	Amount      *float64  `json:"amount,omitempty"` // COINS only
	IsPermanent bool      `json:"isPermanent"`
	DisplayTime *int      `json:"displayTime"` // ms; nil when permanent
	Sent        bool      `json:"sent"`
	CreatedAt   time.Time `json:"createdAt"`

	IsFavorite  bool   `json:"isFavorite,omitempty"`
	HTMLContent string `json:"htmlContent,omitempty"`
	FetchError  string `json:"error,omitempty"`
}

// Normalize applies the permanent/displayTime rules in place:
// permanent records carry no display time; non-permanent records without one
// get the default.
func (n *Notification) Normalize() {
	if n.IsPermanent {
		n.DisplayTime = nil
		return
	}
	if n.DisplayTime == nil {
		dt := DefaultDisplayTimeMS
		n.DisplayTime = &dt
	}
}

// Validate checks the kind/payload combination. It mirrors what the admin
// surface accepts: a known kind, a non-empty message, an absolute URL for
// URL_HTML, and display time within bounds for non-permanent records.
func (n *Notification) Validate() error {
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: type must be one of %v, got %q", ErrInvalid, Kinds(), n.Kind)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalid)
	}
	if n.Kind == KindURLHTML {
		u, err := url.Parse(n.Message)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%w: invalid URL for %s type: %q", ErrInvalid, KindURLHTML, n.Message)
		}
	}
	if !n.IsPermanent && n.DisplayTime != nil {
		if dt := *n.DisplayTime; dt < MinDisplayTimeMS || dt > MaxDisplayTimeMS {
			return fmt.Errorf("%w: displayTime must be within [%d, %d] ms, got %d",
				ErrInvalid, MinDisplayTimeMS, MaxDisplayTimeMS, dt)
		}
	}
	return nil
}

// Clone returns a copy safe to annotate without touching stored state.
func (n Notification) Clone() Notification {
	cp := n
	if n.Amount != nil {
		a := *n.Amount
		cp.Amount = &a
	}
	if n.DisplayTime != nil {
		dt := *n.DisplayTime
		cp.DisplayTime = &dt
	}
	return cp
}
