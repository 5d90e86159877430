// Package trading turns confirmed signals into exchange orders and keeps
// the local order ledger honest against the exchange.
package trading

import (
	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// PnLReport is the profit summary for one pair.
type PnLReport struct {
	Pair          string          `json:"pair"`
	RealizedUSD   decimal.Decimal `json:"realized_usd"`
	UnrealizedUSD decimal.Decimal `json:"unrealized_usd"`
	TotalUSD      decimal.Decimal `json:"total_usd"`
	OpenBaseQty   decimal.Decimal `json:"open_base_qty"`
	CommissionUSD decimal.Decimal `json:"commission_usd"`
}

// lot is one open BUY parcel in the FIFO cost-basis queue.
type lot struct {
	remainingBase decimal.Decimal
	unitCostUSD   decimal.Decimal
}

// ComputePnL folds a pair's fill history (executed-at order) into realized
// and unrealized P&L. Cost basis is FIFO over open BUY lots; buying and
// holding realizes nothing beyond commissions.
func ComputePnL(pair string, fills []*core.Fill, currentPrice decimal.Decimal) PnLReport {
	realized := decimal.Zero
	commissions := decimal.Zero
	var lots []lot

	for _, f := range fills {
		commissions = commissions.Add(f.CommissionUSD)
		realized = realized.Sub(f.CommissionUSD)

		switch f.Side {
		case core.SideBuy:
			if f.BaseQty.IsPositive() {
				lots = append(lots, lot{
					remainingBase: f.BaseQty,
					unitCostUSD:   f.QuoteValueUSD.Div(f.BaseQty),
				})
			}
		case core.SideSell:
			sellPrice := f.Price
			toMatch := f.BaseQty
			for toMatch.IsPositive() && len(lots) > 0 {
				head := &lots[0]
				q := decimal.Min(toMatch, head.remainingBase)
				realized = realized.Add(q.Mul(sellPrice.Sub(head.unitCostUSD)))
				head.remainingBase = head.remainingBase.Sub(q)
				toMatch = toMatch.Sub(q)
				if head.remainingBase.IsZero() {
					lots = lots[1:]
				}
			}
			// Selling more than the tracked lots (external inventory) is
			// pure proceeds with no tracked cost basis.
			if toMatch.IsPositive() {
				realized = realized.Add(toMatch.Mul(sellPrice))
			}
		}
	}

	unrealized := decimal.Zero
	openBase := decimal.Zero
	for _, l := range lots {
		unrealized = unrealized.Add(l.remainingBase.Mul(currentPrice.Sub(l.unitCostUSD)))
		openBase = openBase.Add(l.remainingBase)
	}

	return PnLReport{
		Pair:          pair,
		RealizedUSD:   realized,
		UnrealizedUSD: unrealized,
		TotalUSD:      realized.Add(unrealized),
		OpenBaseQty:   openBase,
		CommissionUSD: commissions,
	}
}
