package payment

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

var ErrPaymentDeclined = errors.New("payment declined")

type ChargeRequest struct {
	TransactionID     string
	Method            string
	AmountCents       int64
	CashReceivedCents int64
	Reference         string
}

type ChargeResult struct {
	Reference   string
	ChangeCents int64
}

// Gateway is the payment collaborator. Charge is synchronous; a declined
// charge returns an error wrapping ErrPaymentDeclined.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, reference string, amountCents int64) error
}

// Offline settles payments collected at the counter: cash is counted by the
// cashier and card or mobile money is captured on an external device whose
// approval reference is keyed in.
type Offline struct{}

func (Offline) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.AmountCents < 0 {
		return ChargeResult{}, errors.Wrap(ErrPaymentDeclined, "negative amount")
	}
	switch req.Method {
	case domain.PaymentMethodCash:
		if req.CashReceivedCents < req.AmountCents {
			return ChargeResult{}, errors.Wrapf(ErrPaymentDeclined, "cash received %d is less than total %d", req.CashReceivedCents, req.AmountCents)
		}
		return ChargeResult{
			Reference:   xid.New("cash"),
			ChangeCents: req.CashReceivedCents - req.AmountCents,
		}, nil
	case domain.PaymentMethodCard, domain.PaymentMethodMobileMoney:
		ref := strings.TrimSpace(req.Reference)
		if ref == "" && req.AmountCents > 0 {
			return ChargeResult{}, errors.Wrapf(ErrPaymentDeclined, "%s payment requires a device reference", req.Method)
		}
		return ChargeResult{Reference: ref}, nil
	default:
		return ChargeResult{}, errors.Wrapf(ErrPaymentDeclined, "unsupported payment method %q", req.Method)
	}
}

// Refund for counter payments is handed back by the cashier; nothing to call.
func (Offline) Refund(_ context.Context, _ string, _ int64) error {
	return nil
}
