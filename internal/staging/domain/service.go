package domain

import "context"

// Writer turns financial events into staged rows. All methods are
// idempotent per source id and succeed without staging when no external
// tenant is connected.
type Writer interface {
	StagePayment(ctx context.Context, ev PaymentCompletedEvent) (StageOutcome, error)
	StageFreeRegistration(ctx context.Context, ev FreeRegistrationEvent) (StageOutcome, error)
	StageRefund(ctx context.Context, ev RefundCompletedEvent) (StageOutcome, error)
}
