package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// DocumentGenerator renders the document behind an invoice, keyed by invoice id.
type DocumentGenerator interface {
	Generate(ctx context.Context, inv Invoice) (DocumentRef, error)
}

// DocumentRef locates a rendered invoice document.
type DocumentRef string

// PaymentLedger confirms that money was received. A payment is applied only
// after the ledger confirms it.
type PaymentLedger interface {
	Confirm(ctx context.Context, req PaymentRequest) (PaymentConfirmation, error)
}

type PaymentRequest struct {
	VersionID      VersionID
	Kind           InvoiceKind
	Amount         generic.Amount
	ReceivedAt     time.Time
	Reference      string
	IdempotencyKey string
}

type PaymentConfirmation struct {
	Reference  string
	Amount     generic.Amount
	ReceivedAt time.Time
}

// OperatorDirectory resolves display names. It never affects state.
type OperatorDirectory interface {
	OperatorName(ctx context.Context, operationID string) (string, error)
}

// Locker serializes work per lineage. Unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Service names used in ExternalServiceError.
const (
	ServiceDocuments = "document-generator"
	ServicePayments  = "payment-ledger"
	ServiceDirectory = "operator-directory"
	ServiceCalendar  = "reporting-calendar"
	ServiceLocker    = "lineage-lock"
)

// =============================================================================
// LOCAL COLLABORATORS - back-office manual entry and development
// =============================================================================

// ManualPaymentLedger confirms payments entered by staff. The confirmation
// echoes the request; a missing receipt time means now.
type ManualPaymentLedger struct {
	Clock func() time.Time
}

func (m ManualPaymentLedger) Confirm(_ context.Context, req PaymentRequest) (PaymentConfirmation, error) {
	received := req.ReceivedAt
	if received.IsZero() {
		received = m.now()
	}
	ref := req.Reference
	if ref == "" {
		ref = "manual-" + uuid.NewString()
	}
	return PaymentConfirmation{Reference: ref, Amount: req.Amount, ReceivedAt: received}, nil
}

func (m ManualPaymentLedger) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

// LocalDocuments returns a deterministic reference without rendering anything.
type LocalDocuments struct{}

func (LocalDocuments) Generate(_ context.Context, inv Invoice) (DocumentRef, error) {
	return DocumentRef(fmt.Sprintf("local://invoices/%s.pdf", inv.ID)), nil
}

// =============================================================================
// BOUNDED CALLS
// =============================================================================

// callExternal runs fn with a deadline. An error or an expired deadline is
// returned as *generic.ExternalServiceError and never as success.
func callExternal[T any](ctx context.Context, timeout time.Duration, service, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		timeout = DefaultExternalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return zero, &generic.ExternalServiceError{Service: service, Op: op, Err: r.err}
		}
		return r.value, nil
	case <-ctx.Done():
		return zero, &generic.ExternalServiceError{Service: service, Op: op, Err: ctx.Err()}
	}
}
