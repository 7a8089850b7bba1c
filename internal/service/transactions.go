package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
)

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, store.ErrInvalidTransaction
	}
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

// VoidTransaction cancels a completed sale. The store restocks whatever was
// not refunded yet in the same step; the promo claims and reward entries are
// unwound afterwards.
func (s *Service) VoidTransaction(ctx context.Context, req domain.VoidTransactionRequest) (domain.Transaction, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Transaction{}, err
	}
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if req.TransactionID == "" {
		return domain.Transaction{}, store.ErrInvalidTransaction
	}
	if req.Reason = strings.TrimSpace(req.Reason); req.Reason == "" {
		req.Reason = "unspecified"
	}

	tx, err := s.repo.VoidTransaction(ctx, req.TransactionID, req.Reason, s.now())
	if err != nil {
		return domain.Transaction{}, err
	}

	s.releasePromo(ctx, tx.PromoCode, tx.PromoCodeID, tx.PromoClaims)
	if tx.CustomerID != "" {
		refundedValue, whole := refundedLineValue(tx, nil)
		remaining := tx.PointsAwarded - domain.Prorate(tx.PointsAwarded, refundedValue, whole)
		if remaining > 0 {
			s.reverseReward(ctx, tx, -remaining, domain.RewardReasonVoid, voidRewardKey(tx.ID))
		}
		if tx.PointsRedeemed > 0 {
			s.reverseReward(ctx, tx, tx.PointsRedeemed, domain.RewardReasonReversal, voidRedeemRewardKey(tx.ID))
		}
	}
	s.refundPayment(ctx, tx, tx.TotalCents-refundedCents(tx))

	s.invalidateAvailability(ctx, tx.StoreID, transactionSKUs(tx)...)
	s.logAudit(ctx, tx.StoreID, "void_transaction", "transaction", tx.ID, req.Reason)
	s.publishSale(ctx, domain.SaleEventVoided, *tx)
	return *tx, nil
}

// Refund returns some units of a completed sale. Money and awarded points
// are given back in proportion to the refunded share of the line totals; the
// sale becomes refunded once every unit has come back.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResponse, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.RefundResponse{}, err
	}
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if req.TransactionID == "" || len(req.Lines) == 0 {
		return domain.RefundResponse{}, store.ErrInvalidTransaction
	}
	lines := make([]domain.RefundLine, 0, len(req.Lines))
	requested := make(map[string]int, len(req.Lines))
	for _, line := range req.Lines {
		sku := normalizeSKU(line.SKU)
		if sku == "" || line.Qty <= 0 {
			return domain.RefundResponse{}, store.ErrInvalidTransaction
		}
		lines = append(lines, domain.RefundLine{SKU: sku, Qty: line.Qty})
		requested[sku] += line.Qty
	}

	tx, err := s.repo.RecordRefund(ctx, req.TransactionID, lines, s.now())
	if err != nil {
		return domain.RefundResponse{}, err
	}

	afterValue, whole := refundedLineValue(tx, nil)
	beforeValue, _ := refundedLineValue(tx, requested)
	amount := domain.Prorate(tx.TotalCents, afterValue, whole) - domain.Prorate(tx.TotalCents, beforeValue, whole)
	points := domain.Prorate(tx.PointsAwarded, afterValue, whole) - domain.Prorate(tx.PointsAwarded, beforeValue, whole)
	seq := refundedUnits(tx)
	fully := tx.Status == domain.TxStatusRefunded

	var reversed int64
	if tx.CustomerID != "" && points > 0 {
		if s.reverseReward(ctx, tx, -points, domain.RewardReasonRefund, refundRewardKey(tx.ID, seq)) {
			reversed = points
		}
	}
	if fully {
		s.releasePromo(ctx, tx.PromoCode, tx.PromoCodeID, tx.PromoClaims)
		if tx.CustomerID != "" && tx.PointsRedeemed > 0 {
			s.reverseReward(ctx, tx, tx.PointsRedeemed, domain.RewardReasonReversal, refundRedeemRewardKey(tx.ID))
		}
	}
	s.refundPayment(ctx, tx, amount)

	skus := make([]string, 0, len(requested))
	for sku := range requested {
		skus = append(skus, sku)
	}
	s.invalidateAvailability(ctx, tx.StoreID, skus...)
	s.logAudit(ctx, tx.StoreID, "refund_transaction", "transaction", tx.ID, fmt.Sprintf("amount=%d,points=%d,reason=%s", amount, reversed, req.Reason))
	s.publishSale(ctx, domain.SaleEventRefunded, *tx)

	return domain.RefundResponse{
		Transaction:      *tx,
		RefundedCents:    amount,
		PointsReversed:   reversed,
		FullyRefunded:    fully,
		RefundSequenceNo: seq,
	}, nil
}

// reverseReward posts a correcting ledger entry. Failures are logged and
// reported as false; the sale record is already final at this point.
func (s *Service) reverseReward(ctx context.Context, tx *domain.Transaction, points int64, reason string, key string) bool {
	if _, _, err := s.appendReward(ctx, tx.StoreID, tx.CustomerID, points, reason, key, tx.ID); err != nil {
		s.logger.Error("reverse reward points",
			zap.String("transaction_id", tx.ID),
			zap.String("customer_id", tx.CustomerID),
			zap.Int64("points", points),
			zap.String("key", key),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Service) refundPayment(ctx context.Context, tx *domain.Transaction, amountCents int64) {
	if amountCents <= 0 {
		return
	}
	if err := s.payments.Refund(ctx, tx.PaymentReference, amountCents); err != nil {
		s.logger.Error("refund payment",
			zap.String("transaction_id", tx.ID),
			zap.Int64("amount_cents", amountCents),
			zap.Error(err),
		)
	}
}

// refundedLineValue returns the refunded part of the line totals and the sum
// of all line totals. exclude subtracts quantities from the refunded counts,
// which gives the value as it stood before a refund.
func refundedLineValue(tx *domain.Transaction, exclude map[string]int) (int64, int64) {
	var refunded, whole int64
	for _, item := range tx.Items {
		whole += item.LineTotalCents
		qty := item.RefundedQty - exclude[item.SKU]
		if qty <= 0 || item.Qty <= 0 {
			continue
		}
		refunded += domain.Prorate(item.LineTotalCents, int64(qty), int64(item.Qty))
	}
	return refunded, whole
}

func refundedCents(tx *domain.Transaction) int64 {
	refunded, whole := refundedLineValue(tx, nil)
	return domain.Prorate(tx.TotalCents, refunded, whole)
}

func refundedUnits(tx *domain.Transaction) int {
	var units int
	for _, item := range tx.Items {
		units += item.RefundedQty
	}
	return units
}

func transactionSKUs(tx *domain.Transaction) []string {
	skus := make([]string, 0, len(tx.Items))
	for _, item := range tx.Items {
		skus = append(skus, item.SKU)
	}
	return skus
}

func refundRewardKey(txID string, seq int) string {
	return "refund:" + txID + ":" + strconv.Itoa(seq)
}

func refundRedeemRewardKey(txID string) string { return "refund-redeem:" + txID }
