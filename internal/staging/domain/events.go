package domain

import "github.com/bwmarrin/snowflake"

// Financial events consumed by the staging writer. Emitted by the payment
// capture and registration flows after their own transactions commit.
// All amounts are integer minor currency units.

type EventLineItem struct {
	SourceItemID snowflake.ID
	Description  string
	Quantity     int64
	UnitAmount   int64
	Amount       int64
}

type PaymentCompletedEvent struct {
	PaymentID         snowflake.ID
	UserID            snowflake.ID
	TotalAmount       int64
	DiscountAmount    int64
	FinalAmount       int64
	LineItems         []EventLineItem
	DiscountCodesUsed []string
	Reference         string
}

type FreeRegistrationEvent struct {
	UserID        snowflake.ID
	RecordID      snowflake.ID
	Description   string
	TriggerSource string
}

type RefundCompletedEvent struct {
	RefundID  snowflake.ID
	PaymentID snowflake.ID
	Amount    int64
	Reason    string
}
