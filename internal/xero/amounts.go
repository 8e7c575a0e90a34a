package xero

import "github.com/shopspring/decimal"

// ToAmount converts an integer minor-unit amount (cents) to the decimal
// major-unit value the API expects. All money in the database is stored in
// minor units; this is the single place the division happens.
func ToAmount(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
