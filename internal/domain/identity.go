package domain

import "time"

// Mode selects what a dispatch run does with the identities it checks out.
type Mode string

const (
	ModeVerify    Mode = "verify"
	ModeMessaging Mode = "messaging"
)

// Identity is one worker account and the scheduler-owned state around it.
type Identity struct {
	Name string
	// QuarantineUntil blocks the identity for any work while in the future.
	// The zero value means no quarantine.
	QuarantineUntil time.Time
	// StopSendingUntil blocks messaging while in the future.
	StopSendingUntil time.Time
	PhoneBook        []WorkItem
	Busy             bool
	// Attributes holds the free-form auth and connection fields the scheduler
	// never interprets (app credentials, proxy tuple, account names).
	Attributes map[string]any
}

// HasPhone reports whether phone already sits in the identity's phone book.
func (i *Identity) HasPhone(phone int64) bool {
	for _, c := range i.PhoneBook {
		if c.Phone == phone {
			return true
		}
	}
	return false
}

// Quarantined reports whether the identity is blocked at now.
func (i *Identity) Quarantined(now time.Time) bool {
	return !i.QuarantineUntil.IsZero() && now.Before(i.QuarantineUntil)
}

// SendingStopped reports whether messaging is blocked at now.
func (i *Identity) SendingStopped(now time.Time) bool {
	return !i.StopSendingUntil.IsZero() && now.Before(i.StopSendingUntil)
}

// Attribute returns a string attribute or "".
func (i *Identity) Attribute(key string) string {
	if i.Attributes == nil {
		return ""
	}
	if v, ok := i.Attributes[key].(string); ok {
		return v
	}
	return ""
}

// Eligibility is the gate's verdict for one identity.
type Eligibility string

const (
	Eligible         Eligibility = "eligible"
	Busy             Eligibility = "busy"
	Quarantined      Eligibility = "quarantined"
	RateLimited      Eligibility = "rate_limited"
	CapacityExceeded Eligibility = "capacity_exceeded"
)
