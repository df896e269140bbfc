package session

import (
	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/money"
)

// Booking prices in cents, keyed by (type, duration in minutes). The price
// is locked in at booking time; later rate changes never touch existing
// sessions.
var bookingRates = map[string]map[int]int64{
	TypeChat:  {5: 2000, 10: 3500, 20: 6500, 30: 9000},
	TypeVoice: {5: 2000, 10: 3500, 20: 6500, 30: 9000},
	TypeVideo: {5: 5000, 10: 9000, 20: 16000, 30: 22000},
}

// Extension prices in cents for a 5-minute extension. Chat sessions have
// no extension price and cannot be extended.
var extensionRates = map[string]int64{
	TypeVoice: 1500,
	TypeVideo: 4000,
}

// ExtensionMinutes is the fixed length of one extension.
const ExtensionMinutes = 5

// Price returns the booking price for a (type, duration) pair.
// Unknown pairs are rejected with ErrUnknownRate.
func Price(sessionType string, duration int) (decimal.Decimal, error) {
	table, ok := bookingRates[sessionType]
	if !ok {
		return decimal.Zero, ErrUnknownRate
	}
	cents, ok := table[duration]
	if !ok {
		return decimal.Zero, ErrUnknownRate
	}
	return money.FromCents(cents), nil
}

// ExtensionPrice returns the price of a 5-minute extension for the given
// session type. ErrExtensionUnavailable for types without one.
func ExtensionPrice(sessionType string) (decimal.Decimal, error) {
	cents, ok := extensionRates[sessionType]
	if !ok {
		return decimal.Zero, ErrExtensionUnavailable
	}
	return money.FromCents(cents), nil
}
