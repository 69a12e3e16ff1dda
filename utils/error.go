package utils

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"github.com/shopspring/decimal"
)

var ErrorRecordNotFound = errors.New("record not found")

var ErrCompanyIdRequired = errors.New("company id is required")

// Tenant isolation errors live in config next to the guard plugin; aliased
// here so domain code does not reach into config for error identity.
var (
	ErrTenantScopeRequired = config.ErrTenantScopeRequired
	ErrTenantScopeMismatch = config.ErrTenantScopeMismatch
)

// ErrJournalImmutable is raised by the data-access layer whenever application
// code attempts to update or delete a posted journal. Corrections are new,
// separately posted entries.
var ErrJournalImmutable = errors.New("posted journals are immutable; post a reversal instead")

// ErrStockMoveImmutable guards recorded stock history: quantity, direction
// and date never change; only the costing engine's replay may rewrite costs.
var ErrStockMoveImmutable = errors.New("stock moves are immutable; record a new move instead")

// ErrResourceLocked is a transient conflict: another holder owns the lease.
// Safe to retry after backoff.
var ErrResourceLocked = errors.New("resource is locked by another operation")

// ClosedPeriodError rejects postings dated on or before the latest period
// close. Carries the boundary so callers can surface it.
type ClosedPeriodError struct {
	CompanyId   string
	ThroughDate time.Time
	TxnDate     time.Time
}

func (e *ClosedPeriodError) Error() string {
	return fmt.Sprintf("transaction dated %s falls in a closed period (closed through %s)",
		e.TxnDate.Format("2006-01-02"), e.ThroughDate.Format("2006-01-02"))
}

// InsufficientStockError names which situation triggered the rejection:
// the insertion point itself, or a downstream move during timeline replay.
type InsufficientStockError struct {
	Situation string // "insert", "backdated insert", "timeline replay"
	ItemId    int
	Requested decimal.Decimal
	OnHand    decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock (%s): item %d requested %s, on hand %s",
		e.Situation, e.ItemId, e.Requested.String(), e.OnHand.String())
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
