package models

import "github.com/shopspring/decimal"

// BalanceResponse is returned by the balance query.
type BalanceResponse struct {
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}
