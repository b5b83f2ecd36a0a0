// Package shift runs an operator's work shift: opening it, recording sales
// and refunds against it, and closing it with a frozen reconciliation
// report and cash-drawer figures.
//
// A shift moves from active to completed exactly once; a completed shift
// never changes again.
package shift

import (
	"time"

	"github.com/roach88/tillsync/internal/pos"
	"github.com/roach88/tillsync/internal/recon"
)

// Status is the lifecycle state of a shift.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// CashDrawer holds the drawer figures. Expected is set when the shift
// closes; Closing and Difference only when the operator counted the drawer.
type CashDrawer struct {
	Opening    pos.Amount  `json:"opening_amount"`
	Expected   *pos.Amount `json:"expected_amount,omitempty"`
	Closing    *pos.Amount `json:"closing_amount,omitempty"`
	Difference *pos.Amount `json:"difference,omitempty"`
}

// Shift is one operator's work session at the register.
type Shift struct {
	ID         string        `json:"id"`
	Operator   string        `json:"operator"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	RecordIDs  []string      `json:"record_ids"`
	CashDrawer CashDrawer    `json:"cash_drawer"`
	Notes      string        `json:"notes,omitempty"`
	Report     *recon.Report `json:"report,omitempty"`
}

// Active reports whether the shift is still open.
func (s Shift) Active() bool { return s.Status == StatusActive }

// Change is the payload published on shifts:changed and invoices:changed.
type Change struct {
	ShiftID  string `json:"shift_id"`
	RecordID string `json:"record_id,omitempty"`
	Status   Status `json:"status,omitempty"`
	Kind     string `json:"kind"`
}

// Change kinds.
const (
	ChangeStarted  = "started"
	ChangeEnded    = "ended"
	ChangeSale     = "sale"
	ChangeRefund   = "refund"
	ChangeImported = "imported"
)

// Key returns the cache key of a shift.
func Key(id string) string { return KeyPrefix + id }

// RecordKey returns the cache key of a sale or refund record.
func RecordKey(id string) string { return RecordKeyPrefix + id }

// Key prefixes.
const (
	KeyPrefix       = "shift:"
	RecordKeyPrefix = "sale:"
)
