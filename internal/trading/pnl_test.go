package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buyFill(id string, baseQty, quoteValue, price, commission string, at time.Time) *core.Fill {
	return &core.Fill{
		FillID: id, ExchangeOrderID: "ord-" + id, Pair: "BTC-USD", Side: core.SideBuy,
		BaseQty: d(baseQty), QuoteValueUSD: d(quoteValue), Price: d(price),
		CommissionUSD: d(commission), ExecutedAt: at,
	}
}

func sellFill(id string, baseQty, quoteValue, price, commission string, at time.Time) *core.Fill {
	f := buyFill(id, baseQty, quoteValue, price, commission, at)
	f.Side = core.SideSell
	return f
}

func TestComputePnL_BuyAndHoldRealizesNothing(t *testing.T) {
	at := time.Now()
	fills := []*core.Fill{buyFill("f1", "1", "100", "100", "0", at)}

	report := ComputePnL("BTC-USD", fills, d("110"))
	if !report.RealizedUSD.IsZero() {
		t.Fatalf("realized = %s, want 0", report.RealizedUSD)
	}
	if !report.UnrealizedUSD.Equal(d("10")) {
		t.Fatalf("unrealized = %s, want 10", report.UnrealizedUSD)
	}
	if !report.TotalUSD.Equal(d("10")) {
		t.Fatalf("total = %s, want 10", report.TotalUSD)
	}
	if !report.OpenBaseQty.Equal(d("1")) {
		t.Fatalf("open base = %s, want 1", report.OpenBaseQty)
	}
}

func TestComputePnL_FIFOMatching(t *testing.T) {
	at := time.Now()
	fills := []*core.Fill{
		buyFill("f1", "1", "100", "100", "0", at),
		buyFill("f2", "1", "110", "110", "0", at.Add(time.Minute)),
		sellFill("f3", "1.5", "180", "120", "0", at.Add(2*time.Minute)),
	}

	report := ComputePnL("BTC-USD", fills, d("120"))
	// First lot fully matched at +20, half the second lot at +10.
	if !report.RealizedUSD.Equal(d("25")) {
		t.Fatalf("realized = %s, want 25", report.RealizedUSD)
	}
	// 0.5 BTC remains from the 110 lot.
	if !report.OpenBaseQty.Equal(d("0.5")) {
		t.Fatalf("open base = %s, want 0.5", report.OpenBaseQty)
	}
	if !report.UnrealizedUSD.Equal(d("5")) {
		t.Fatalf("unrealized = %s, want 5", report.UnrealizedUSD)
	}
	if !report.TotalUSD.Equal(d("30")) {
		t.Fatalf("total = %s, want 30", report.TotalUSD)
	}
}

func TestComputePnL_CommissionsReduceRealized(t *testing.T) {
	at := time.Now()
	fills := []*core.Fill{
		buyFill("f1", "1", "100", "100", "1", at),
		sellFill("f2", "1", "120", "120", "2", at.Add(time.Minute)),
	}

	report := ComputePnL("BTC-USD", fills, d("120"))
	// 20 gross minus 3 in commissions.
	if !report.RealizedUSD.Equal(d("17")) {
		t.Fatalf("realized = %s, want 17", report.RealizedUSD)
	}
	if !report.CommissionUSD.Equal(d("3")) {
		t.Fatalf("commissions = %s, want 3", report.CommissionUSD)
	}
	if !report.UnrealizedUSD.IsZero() {
		t.Fatalf("unrealized = %s, want 0", report.UnrealizedUSD)
	}
}

func TestComputePnL_SellBeyondTrackedLots(t *testing.T) {
	at := time.Now()
	fills := []*core.Fill{
		buyFill("f1", "1", "100", "100", "0", at),
		sellFill("f2", "2", "240", "120", "0", at.Add(time.Minute)),
	}

	report := ComputePnL("BTC-USD", fills, d("120"))
	// 1 matched at +20; the extra 1 has no tracked basis and books as
	// pure proceeds.
	if !report.RealizedUSD.Equal(d("140")) {
		t.Fatalf("realized = %s, want 140", report.RealizedUSD)
	}
	if !report.OpenBaseQty.IsZero() {
		t.Fatalf("open base = %s, want 0", report.OpenBaseQty)
	}
}

func TestComputePnL_UnrealizedFollowsPrice(t *testing.T) {
	at := time.Now()
	fills := []*core.Fill{buyFill("f1", "2", "200", "100", "0", at)}

	down := ComputePnL("BTC-USD", fills, d("90"))
	if !down.UnrealizedUSD.Equal(d("-20")) {
		t.Fatalf("unrealized at 90 = %s, want -20", down.UnrealizedUSD)
	}
	up := ComputePnL("BTC-USD", fills, d("105"))
	if !up.UnrealizedUSD.Equal(d("10")) {
		t.Fatalf("unrealized at 105 = %s, want 10", up.UnrealizedUSD)
	}
}

func TestComputePnL_EmptyFills(t *testing.T) {
	report := ComputePnL("BTC-USD", nil, d("100"))
	if !report.RealizedUSD.IsZero() || !report.UnrealizedUSD.IsZero() || !report.TotalUSD.IsZero() {
		t.Fatalf("empty history produced non-zero report: %+v", report)
	}
}
