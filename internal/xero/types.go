// Package xero is a thin HTTP client for the subset of the Xero accounting
// API the back office uses: contacts, invoices, payments and credit notes.
// Authentication state lives with the tenant service; every call takes the
// credentials it should use.
package xero

import (
	"time"

	"github.com/shopspring/decimal"
)

type Contact struct {
	ContactID     string `json:"ContactID,omitempty"`
	Name          string `json:"Name"`
	EmailAddress  string `json:"EmailAddress,omitempty"`
	ContactStatus string `json:"ContactStatus,omitempty"`
}

type LineItem struct {
	Description string          `json:"Description"`
	Quantity    decimal.Decimal `json:"Quantity"`
	UnitAmount  decimal.Decimal `json:"UnitAmount"`
	LineAmount  decimal.Decimal `json:"LineAmount"`
	AccountCode string          `json:"AccountCode"`
}

type Invoice struct {
	InvoiceID       string     `json:"InvoiceID,omitempty"`
	InvoiceNumber   string     `json:"InvoiceNumber,omitempty"`
	Type            string     `json:"Type"`
	Contact         Contact    `json:"Contact"`
	Date            string     `json:"Date,omitempty"`
	DueDate         string     `json:"DueDate,omitempty"`
	LineItems       []LineItem `json:"LineItems"`
	LineAmountTypes string     `json:"LineAmountTypes,omitempty"`
	Reference       string     `json:"Reference,omitempty"`
	Status          string     `json:"Status,omitempty"`
}

type Payment struct {
	PaymentID string          `json:"PaymentID,omitempty"`
	Invoice   InvoiceRef      `json:"Invoice"`
	Account   AccountRef      `json:"Account"`
	Date      string          `json:"Date,omitempty"`
	Amount    decimal.Decimal `json:"Amount"`
	Reference string          `json:"Reference,omitempty"`
}

type InvoiceRef struct {
	InvoiceID string `json:"InvoiceID"`
}

type AccountRef struct {
	Code string `json:"Code"`
}

type CreditNote struct {
	CreditNoteID     string     `json:"CreditNoteID,omitempty"`
	CreditNoteNumber string     `json:"CreditNoteNumber,omitempty"`
	Type             string     `json:"Type"`
	Contact          Contact    `json:"Contact"`
	Date             string     `json:"Date,omitempty"`
	LineItems        []LineItem `json:"LineItems"`
	Reference        string     `json:"Reference,omitempty"`
	Status           string     `json:"Status,omitempty"`
}

type Allocation struct {
	Invoice InvoiceRef      `json:"Invoice"`
	Amount  decimal.Decimal `json:"Amount"`
	Date    string          `json:"Date,omitempty"`
}

// CallRecord keeps the raw request and response bodies of a write call so
// the sync log can show operators exactly what was sent.
type CallRecord struct {
	Request  []byte
	Response []byte
}

// DateString formats a time the way the accounting API expects dates.
func DateString(t time.Time) string {
	return t.Format("2006-01-02")
}
