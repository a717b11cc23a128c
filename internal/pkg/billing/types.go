package billing

import (
	"context"
	"time"
)

// ProcessResult describes how an accepted event was handled.
type ProcessResult struct {
	Duplicate bool
	Ignored   bool
}

// Scheduler defers a grace-period re-evaluation for a failing invoice.
type Scheduler interface {
	ScheduleGraceCheck(ctx context.Context, invoiceID uint, runAt time.Time) error
}

// EvidenceArchive stores the raw dispute payload for later evidence submission.
type EvidenceArchive interface {
	ArchiveDisputeEvidence(ctx context.Context, disputeID, eventID string, payload []byte) (string, error)
}

// EventRecorder counts event outcomes.
type EventRecorder interface {
	RecordEvent(ctx context.Context, eventType, result string)
}

// Event outcome labels passed to EventRecorder.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultFailed    = "failed"
)

// Stats is a point-in-time summary of the ledger.
type Stats struct {
	SubscriptionsByStatus map[string]int64 `json:"subscriptions_by_status"`
	OpenDisputes          int64            `json:"open_disputes"`
	FailingInvoices       int64            `json:"failing_invoices"`
}
