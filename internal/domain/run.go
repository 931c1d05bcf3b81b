package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunSummary aggregates the counters of one dispatch run.
type RunSummary struct {
	RunID      uuid.UUID
	Mode       Mode
	PromoID    string
	Total      int64
	Added      int64
	Rejected   int64
	Sent       int64
	DidNotGo   int64
	Retries    int64
	Fallen     int64
	Remaining  int64
	Halted     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// CampaignStats summarizes stored contacts of one promo.
type CampaignStats struct {
	PromoID  string `db:"-" json:"promo_id"`
	Verified int64  `db:"verified" json:"verified"`
	Rejected int64  `db:"rejected" json:"rejected"`
	Messaged int64  `db:"messaged" json:"messaged"`
	Sends    int64  `db:"sends" json:"sends"`
}
