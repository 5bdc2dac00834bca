package factory

import (
	"encoding/json"
)

// =============================================================================
// PRESET RULES
// =============================================================================
//
// Each preset returns a JSON document ready for RuleFactory.ParseRule.

func marshal(rj RuleJSON) string {
	b, _ := json.MarshalIndent(rj, "", "  ")
	return string(b)
}

// RentJSON returns a monthly expense on the anchor's day of month.
func RentJSON(id, anchor, amount, currency, account string) string {
	return marshal(RuleJSON{
		ID:            id,
		AnchorDate:    anchor,
		Frequency:     "month",
		Interval:      1,
		Amount:        amount,
		Currency:      currency,
		Title:         "Rent",
		Category:      "housing",
		SourceAccount: account,
	})
}

// SalaryJSON returns a monthly income.
func SalaryJSON(id, anchor, amount, currency, account string) string {
	return marshal(RuleJSON{
		ID:            id,
		AnchorDate:    anchor,
		Frequency:     "month",
		Interval:      1,
		Amount:        amount,
		Currency:      currency,
		IsIncome:      true,
		Title:         "Salary",
		Category:      "income",
		SourceAccount: account,
	})
}

// SubscriptionJSON returns an expense repeating every interval units.
func SubscriptionJSON(id, title, anchor, frequency string, interval int, amount, currency, account string) string {
	return marshal(RuleJSON{
		ID:            id,
		AnchorDate:    anchor,
		Frequency:     frequency,
		Interval:      interval,
		Amount:        amount,
		Currency:      currency,
		Title:         title,
		Category:      "subscriptions",
		SourceAccount: account,
	})
}

// WeeklyJSON returns an expense on the given weekdays every interval weeks.
func WeeklyJSON(id, title, anchor string, interval int, weekdays []string, amount, currency, account string) string {
	return marshal(RuleJSON{
		ID:            id,
		AnchorDate:    anchor,
		Frequency:     "week",
		Interval:      interval,
		Weekdays:      weekdays,
		Amount:        amount,
		Currency:      currency,
		Title:         title,
		SourceAccount: account,
	})
}

// SavingsTransferJSON returns a monthly transfer between two accounts.
func SavingsTransferJSON(id, anchor, amount, currency, from, to string) string {
	return marshal(RuleJSON{
		ID:                 id,
		AnchorDate:         anchor,
		Frequency:          "month",
		Interval:           1,
		Amount:             amount,
		Currency:           currency,
		Title:              "Savings",
		Category:           "transfer",
		SourceAccount:      from,
		DestinationAccount: to,
	})
}

// OneOffJSON returns a single non-repeating payment.
func OneOffJSON(id, title, date, amount, currency, account string) string {
	return marshal(RuleJSON{
		ID:            id,
		AnchorDate:    date,
		Frequency:     "none",
		Amount:        amount,
		Currency:      currency,
		Title:         title,
		SourceAccount: account,
	})
}
