package match

import (
	"github.com/google/uuid"

	"github.com/helixquant/tickbt/internal/ledger"
)

// ReportKind tags an execution report handed back to the strategy.
type ReportKind string

const (
	// ReportAck: the order arrived at the exchange and is resting.
	ReportAck ReportKind = "ACK"
	// ReportFill: the order received (partial) execution.
	ReportFill ReportKind = "FILL"
	// ReportRejected: the order was rejected by policy or balance checks.
	ReportRejected ReportKind = "REJECTED"
	// ReportCancelled: a cancel was applied.
	ReportCancelled ReportKind = "CANCELLED"
	// ReportCancelAfterFill: the cancel arrived after the order had fully
	// filled. Informational, not an error.
	ReportCancelAfterFill ReportKind = "CANCEL_AFTER_FILL"
	// ReportCancelRejected: the cancel referenced an unknown or already
	// terminal (non-filled) order.
	ReportCancelRejected ReportKind = "CANCEL_REJECTED"
)

// Report is one execution report. Fill is set for ReportFill only.
type Report struct {
	Kind    ReportKind
	OrderID uuid.UUID
	Fill    *ledger.Fill
	Reason  string
	LocalTS int64
}
