package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CheckResult tags the outcome of resolving an item's phone number.
type CheckResult string

const (
	CheckUnset    CheckResult = ""
	CheckOK       CheckResult = "ok"
	CheckNotFound CheckResult = "not-found"

	checkErrorPrefix = "error:"
)

// CheckError builds the result tag for a transient failure.
func CheckError(detail string) CheckResult {
	return CheckResult(checkErrorPrefix + detail)
}

// IsError reports whether the result is a transient failure tag.
func (r CheckResult) IsError() bool {
	return strings.HasPrefix(string(r), checkErrorPrefix)
}

// WorkItem is a contact pending verification or messaging.
type WorkItem struct {
	Phone   int64
	PromoID string
	Var1    string
	Var2    string
	Var3    string

	CheckResult CheckResult

	UserID     int64
	AccessHash int64
	Username   string
	FirstName  string
	LastName   string

	CheckedBy  string
	CheckedAt  time.Time
	LastSentBy string
	LastSentAt time.Time
	SendCount  int
}

// OutcomeKind classifies what happened to one work item.
type OutcomeKind string

const (
	OutcomeVerified  OutcomeKind = "verified"
	OutcomeRejected  OutcomeKind = "rejected"
	OutcomeRetry     OutcomeKind = "retry"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeSent      OutcomeKind = "sent"
	OutcomeDidNotGo  OutcomeKind = "did_not_go"
	OutcomeSendFault OutcomeKind = "send_failed"
)

// Outcome is the record emitted for every processed work item.
type Outcome struct {
	RunID      uuid.UUID
	Mode       Mode
	Identity   string
	Phone      int64
	PromoID    string
	Kind       OutcomeKind
	Detail     string
	OccurredAt time.Time
}
