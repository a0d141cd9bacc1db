// Package reconcile holds the arithmetic behind shift close and inventory
// count finalization. Nothing here touches storage.
package reconcile

import (
	"math"
	"time"

	"retailpos/backend/internal/domain"
)

// MillisToTime converts an epoch-ms boundary to a UTC time. 0 is the Unix epoch.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func TimeToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// ActualCounts are the operator-entered drawer totals.
type ActualCounts struct {
	CashCents int64
	CardCents int64
}

// ReconcileShift computes the expected and variance fields of a shift.
// Expenses are paid out of the cash drawer, so only cash absorbs them.
// Variance only covers cash and card.
func ReconcileShift(totals domain.ShiftTotals, actual ActualCounts) domain.Shift {
	expected := func(method string) int64 {
		return totals.Sales[method] - totals.Returns[method]
	}

	shift := domain.Shift{
		ExpectedCashCents:     expected(domain.PaymentCash) - totals.ExpensesCents,
		ExpectedCardCents:     expected(domain.PaymentCard),
		ExpectedWalletCents:   expected(domain.PaymentWallet),
		ExpectedInstapayCents: expected(domain.PaymentInstapay),
		ExpectedCreditCents:   expected(domain.PaymentCredit),
		ActualCashCents:       actual.CashCents,
		ActualCardCents:       actual.CardCents,
		TotalExpensesCents:    totals.ExpensesCents,
		Status:                domain.ShiftStatusClosed,
	}
	shift.VarianceCents = (shift.ActualCashCents + shift.ActualCardCents) -
		(shift.ExpectedCashCents + shift.ExpectedCardCents)
	return shift
}

// EffectiveCount is the counted quantity, or the expected one when the item was never counted.
func EffectiveCount(item domain.InventoryCountItem) int {
	if item.CountedQuantity != nil {
		return *item.CountedQuantity
	}
	return item.ExpectedQuantity
}

// FinalizeCount derives one stock adjustment per item and the total variance value at cost.
func FinalizeCount(items []domain.InventoryCountItem) ([]domain.CountAdjustment, int64) {
	adjustments := make([]domain.CountAdjustment, 0, len(items))
	var total int64
	for _, item := range items {
		counted := EffectiveCount(item)
		variance := counted - item.ExpectedQuantity
		value := int64(variance) * item.CostCents
		adjustments = append(adjustments, domain.CountAdjustment{
			ProductID:          item.ProductID,
			ExpectedQuantity:   item.ExpectedQuantity,
			CountedQuantity:    counted,
			Variance:           variance,
			CostCents:          item.CostCents,
			VarianceValueCents: value,
		})
		total += value
	}
	return adjustments, total
}

// DaysOfStockLeft estimates coverage from a 30 day sales velocity, rounded to
// one decimal. It returns nil when nothing sold in the window.
func DaysOfStockLeft(stock int, velocity30d int64) *float64 {
	if velocity30d <= 0 {
		return nil
	}
	perDay := float64(velocity30d) / 30
	days := math.Round(float64(stock)/perDay*10) / 10
	return &days
}

// ReorderQty is max(0, ceil(velocity - stock)).
func ReorderQty(stock int, velocity30d int64) int64 {
	need := velocity30d - int64(stock)
	if need < 0 {
		return 0
	}
	return need
}
