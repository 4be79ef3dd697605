package stripe

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sagepilot/billing-engine/internal/ledger/domain"
	stripe "github.com/stripe/stripe-go/v82"
)

// wrap classifies a stripe call failure. Returns nil for nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *domain.GatewayError
	if errors.As(err, &gerr) {
		return err
	}

	return domain.NewGatewayError(classify(err), op, err)
}

func classify(err error) domain.Class {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch {
		case isAlreadyPaid(serr):
			return domain.ClassAlreadySettled
		case serr.HTTPStatusCode == http.StatusUnauthorized || serr.HTTPStatusCode == http.StatusForbidden:
			return domain.ClassAuthentication
		case serr.HTTPStatusCode == http.StatusNotFound:
			return domain.ClassNotFound
		case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500:
			return domain.ClassTransient
		default:
			return domain.ClassPermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ClassTransient
	}

	return domain.ClassPermanent
}

func isAlreadyPaid(serr *stripe.Error) bool {
	switch string(serr.Code) {
	case "invoice_paid", "invoice_already_paid":
		return true
	}
	return false
}
