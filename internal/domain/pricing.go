package domain

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Quote is the priced snapshot of a session at checkout time.
type Quote struct {
	Lines               []TransactionItem
	Claims              []PromoClaim
	SubtotalCents       int64
	DiscountCents       int64
	TaxCents            int64
	PointsRedeemed      int64
	PointsDiscountCents int64
	TotalCents          int64
}

// QuoteSale prices items with an optional promo, tax and a points redemption.
// Redeemed points are capped so the total never goes below zero.
func QuoteSale(items []SessionItem, promo *PromoCode, taxRatePercent decimal.Decimal, pointsToRedeem int64, pointValueCents int64) Quote {
	q := Quote{Lines: make([]TransactionItem, 0, len(items))}
	for _, item := range items {
		lineTotal := item.UnitPriceCents * int64(item.Qty)
		q.SubtotalCents += lineTotal
		q.Lines = append(q.Lines, TransactionItem{
			SKU:            item.SKU,
			Name:           item.Name,
			Qty:            item.Qty,
			UnitPriceCents: item.UnitPriceCents,
			LineTotalCents: lineTotal,
		})
	}

	if promo != nil {
		discounts, claims := PromoDiscounts(*promo, items)
		q.Claims = claims
		for i := range q.Lines {
			if d, ok := discounts[q.Lines[i].SKU]; ok {
				q.Lines[i].DiscountCents = d
				q.Lines[i].LineTotalCents -= d
			}
		}
		spreadDiscount(q.Lines, discounts[""])
		for _, line := range q.Lines {
			q.DiscountCents += line.DiscountCents
		}
	}

	taxable := q.SubtotalCents - q.DiscountCents
	q.TaxCents = percentOf(taxable, taxRatePercent)
	gross := taxable + q.TaxCents

	if pointsToRedeem > 0 && pointValueCents > 0 {
		redeemable := gross / pointValueCents
		q.PointsRedeemed = min(pointsToRedeem, redeemable)
		q.PointsDiscountCents = q.PointsRedeemed * pointValueCents
	}
	q.TotalCents = gross - q.PointsDiscountCents
	return q
}

// PromoDiscounts returns the discount per SKU (the key "" holds the cart-wide
// part) and the claims the promo needs at checkout. A promo item without a SKU
// scopes the whole cart and claims one unit; a SKU-scoped item claims the
// line quantity.
func PromoDiscounts(promo PromoCode, items []SessionItem) (map[string]int64, []PromoClaim) {
	discounts := make(map[string]int64)
	claims := make([]PromoClaim, 0, len(promo.Items))

	var subtotal int64
	lines := make(map[string]SessionItem, len(items))
	for _, item := range items {
		subtotal += item.UnitPriceCents * int64(item.Qty)
		lines[item.SKU] = item
	}

	for _, promoItem := range promo.Items {
		if promoItem.SKU == "" {
			if subtotal <= 0 {
				continue
			}
			discounts[""] += discountOn(promo, subtotal)
			claims = append(claims, PromoClaim{PromoItemID: promoItem.ID, Qty: 1})
			continue
		}
		line, ok := lines[promoItem.SKU]
		if !ok || line.Qty <= 0 {
			continue
		}
		base := line.UnitPriceCents * int64(line.Qty)
		discounts[line.SKU] += min(discountOn(promo, base), base-discounts[line.SKU])
		claims = append(claims, PromoClaim{PromoItemID: promoItem.ID, Qty: line.Qty})
	}
	return discounts, claims
}

// spreadDiscount splits a cart-wide discount over the lines in proportion to
// their totals, capped at what the lines still carry. Rounding leftovers go
// to the earliest lines with room, so the line discounts add up exactly.
func spreadDiscount(lines []TransactionItem, amount int64) {
	var base int64
	for _, line := range lines {
		base += line.LineTotalCents
	}
	amount = min(amount, base)
	if amount <= 0 {
		return
	}

	shares := make([]int64, len(lines))
	var given int64
	for i, line := range lines {
		shares[i] = Prorate(amount, line.LineTotalCents, base)
		given += shares[i]
	}
	for i := 0; given < amount && i < len(lines); i++ {
		extra := min(amount-given, lines[i].LineTotalCents-shares[i])
		shares[i] += extra
		given += extra
	}
	for i := range lines {
		lines[i].DiscountCents += shares[i]
		lines[i].LineTotalCents -= shares[i]
	}
}

func discountOn(promo PromoCode, base int64) int64 {
	switch promo.DiscountType {
	case DiscountTypePercentage:
		pct := decimal.NewFromInt(promo.DiscountValue)
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		return percentOf(base, pct)
	case DiscountTypeAmount:
		return min(promo.DiscountValue, base)
	default:
		return 0
	}
}

func percentOf(cents int64, pct decimal.Decimal) int64 {
	if cents <= 0 || !pct.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(cents).Mul(pct).Div(hundred).Round(0).IntPart()
}

// PointsForTotal is the reward accrual for a completed sale: perUnit points
// for every whole currency unit paid.
func PointsForTotal(totalCents int64, perUnit int64) int64 {
	if totalCents <= 0 || perUnit <= 0 {
		return 0
	}
	return decimal.NewFromInt(totalCents).Div(hundred).Floor().IntPart() * perUnit
}

// Prorate returns amount * part / whole, floor-rounded. A part covering the
// whole returns amount unchanged.
func Prorate(amount int64, part int64, whole int64) int64 {
	if amount <= 0 || part <= 0 || whole <= 0 {
		return 0
	}
	if part >= whole {
		return amount
	}
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(part)).Div(decimal.NewFromInt(whole)).Floor().IntPart()
}
