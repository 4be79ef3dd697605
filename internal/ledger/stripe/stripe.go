package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sagepilot/billing-engine/internal/config"
	"github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meter"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/billing/metereventsummary"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// Gateway talks to Stripe as the billing ledger. All amounts stay in the
// ledger's minor units (cents, paise). Transient failures are retried with
// bounded backoff at this boundary; everything else propagates classified.
type Gateway struct {
	webhookSecret string
	retry         retryPolicy
	log           *zap.Logger
}

func NewGateway(cfg config.Config, log *zap.Logger) (*Gateway, error) {
	secret := strings.TrimSpace(cfg.LedgerSecretKey)
	if secret == "" {
		return nil, errors.New("ledger secret key is required")
	}
	stripe.Key = secret

	return &Gateway{
		webhookSecret: strings.TrimSpace(cfg.LedgerWebhookSecret),
		retry:         defaultRetryPolicy(),
		log:           log.Named("ledger.stripe"),
	}, nil
}

func (g *Gateway) PushUsage(ctx context.Context, record domain.UsageRecord) error {
	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(record.Meter),
		Identifier: stripe.String(record.IdempotencyKey),
		Payload: map[string]string{
			"stripe_customer_id": record.CustomerID,
			"value":              record.Value.String(),
		},
	}
	if !record.OccurredAt.IsZero() {
		params.Timestamp = stripe.Int64(record.OccurredAt.Unix())
	}
	params.Context = ctx

	return g.withRetry(ctx, "push_usage", func() error {
		_, err := meterevent.New(params)
		return wrap("push_usage", err)
	})
}

func (g *Gateway) GetSubscription(ctx context.Context, customerID string) (*domain.Subscription, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, domain.NewGatewayError(domain.ClassPermanent, "get_subscription", errors.New("customer id is required"))
	}

	var result *domain.Subscription
	err := g.withRetry(ctx, "get_subscription", func() error {
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String("all"),
		}
		params.Context = ctx
		params.AddExpand("data.items.data.price.product")

		var best *stripe.Subscription
		iter := subscription.List(params)
		for iter.Next() {
			sub := iter.Subscription()
			if best == nil || statusRank(sub.Status) < statusRank(best.Status) {
				best = sub
			}
		}
		if err := iter.Err(); err != nil {
			return wrap("get_subscription", err)
		}
		if best == nil {
			return domain.NewGatewayError(domain.ClassNotFound, "get_subscription", fmt.Errorf("no subscription for customer %s", customerID))
		}
		result = mapSubscription(best)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	var result *domain.Invoice
	err := g.withRetry(ctx, "get_invoice", func() error {
		params := &stripe.InvoiceParams{}
		params.Context = ctx
		inv, err := invoice.Get(invoiceID, params)
		if err != nil {
			return wrap("get_invoice", err)
		}
		result = mapInvoice(inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID, reference string) error {
	return g.withRetry(ctx, "mark_paid_out_of_band", func() error {
		updateParams := &stripe.InvoiceParams{
			Metadata: map[string]string{
				"external_payment_reference": strings.TrimSpace(reference),
			},
		}
		updateParams.Context = ctx
		if _, err := invoice.Update(invoiceID, updateParams); err != nil {
			return wrap("mark_paid_out_of_band", err)
		}

		payParams := &stripe.InvoicePayParams{
			PaidOutOfBand: stripe.Bool(true),
		}
		payParams.Context = ctx
		_, err := invoice.Pay(invoiceID, payParams)
		return wrap("mark_paid_out_of_band", err)
	})
}

func (g *Gateway) FindInvoiceByOrderReference(ctx context.Context, reference string) (*domain.Invoice, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, domain.NewGatewayError(domain.ClassPermanent, "find_invoice", errors.New("order reference is required"))
	}

	var result *domain.Invoice
	err := g.withRetry(ctx, "find_invoice", func() error {
		params := &stripe.InvoiceSearchParams{
			SearchParams: stripe.SearchParams{
				Query:   fmt.Sprintf("metadata['order_reference']:'%s'", reference),
				Context: ctx,
			},
		}
		iter := invoice.Search(params)
		for iter.Next() {
			result = mapInvoice(iter.Invoice())
			return nil
		}
		if err := iter.Err(); err != nil {
			return wrap("find_invoice", err)
		}
		return domain.NewGatewayError(domain.ClassNotFound, "find_invoice", fmt.Errorf("no invoice with order reference %s", reference))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) ListOverdueInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}

	var overdue []domain.Invoice
	err := g.withRetry(ctx, "list_overdue", func() error {
		overdue = overdue[:0]
		now := time.Now().UTC()

		params := &stripe.InvoiceListParams{
			Status: stripe.String("open"),
		}
		params.Context = ctx
		iter := invoice.List(params)
		for iter.Next() {
			inv := iter.Invoice()
			if inv.DueDate == 0 || time.Unix(inv.DueDate, 0).After(now) {
				continue
			}
			overdue = append(overdue, *mapInvoice(inv))
			if len(overdue) >= limit {
				break
			}
		}
		return wrap("list_overdue", iter.Err())
	})
	if err != nil {
		return nil, err
	}
	return overdue, nil
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	if strings.TrimSpace(req.PriceID) == "" {
		return nil, domain.NewGatewayError(domain.ClassPermanent, "create_checkout", errors.New("price id is required"))
	}

	var result *domain.CheckoutSession
	err := g.withRetry(ctx, "create_checkout", func() error {
		params := &stripe.CheckoutSessionParams{
			Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					Price:    stripe.String(req.PriceID),
					Quantity: stripe.Int64(1),
				},
			},
			SuccessURL: stripe.String(req.SuccessURL),
			CancelURL:  stripe.String(req.CancelURL),
			Metadata: map[string]string{
				"workspace_id":    req.WorkspaceID,
				"order_reference": req.OrderReference,
			},
			SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
				Metadata: map[string]string{
					"workspace_id": req.WorkspaceID,
				},
			},
		}
		params.Context = ctx
		if req.CustomerID != "" {
			params.Customer = stripe.String(req.CustomerID)
		} else if req.CustomerEmail != "" {
			params.CustomerEmail = stripe.String(req.CustomerEmail)
		}

		sess, err := session.New(params)
		if err != nil {
			return wrap("create_checkout", err)
		}
		result = &domain.CheckoutSession{
			ID:        sess.ID,
			URL:       sess.URL,
			ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*domain.Subscription, error) {
	var result *domain.Subscription
	err := g.withRetry(ctx, "cancel_subscription", func() error {
		var (
			sub *stripe.Subscription
			err error
		)
		if atPeriodEnd {
			params := &stripe.SubscriptionParams{
				CancelAtPeriodEnd: stripe.Bool(true),
			}
			params.Context = ctx
			sub, err = subscription.Update(subscriptionID, params)
		} else {
			params := &stripe.SubscriptionCancelParams{}
			params.Context = ctx
			sub, err = subscription.Cancel(subscriptionID, params)
		}
		if err != nil {
			return wrap("cancel_subscription", err)
		}
		result = mapSubscription(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) GetUsageSummary(ctx context.Context, customerID string, meters []string, periodStart, periodEnd time.Time) ([]domain.MeterSummary, error) {
	meterIDs, err := g.meterIDsByEventName(ctx)
	if err != nil {
		return nil, err
	}

	// The summaries endpoint requires minute-aligned boundaries.
	start := periodStart.UTC().Truncate(time.Minute)
	end := periodEnd.UTC().Truncate(time.Minute)

	summaries := make([]domain.MeterSummary, 0, len(meters))
	for _, name := range meters {
		meterID, ok := meterIDs[name]
		if !ok {
			continue
		}

		total := decimal.Zero
		err := g.withRetry(ctx, "usage_summary", func() error {
			total = decimal.Zero
			params := &stripe.BillingMeterEventSummaryListParams{
				ID:        stripe.String(meterID),
				Customer:  stripe.String(customerID),
				StartTime: stripe.Int64(start.Unix()),
				EndTime:   stripe.Int64(end.Unix()),
			}
			params.Context = ctx
			iter := metereventsummary.List(params)
			for iter.Next() {
				total = total.Add(decimal.NewFromFloat(iter.BillingMeterEventSummary().AggregatedValue))
			}
			return wrap("usage_summary", iter.Err())
		})
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, domain.MeterSummary{
			Meter:       name,
			Total:       total,
			PeriodStart: start,
			PeriodEnd:   end,
		})
	}
	return summaries, nil
}

func (g *Gateway) VerifyWebhook(payload []byte, sigHeader string) (*domain.Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return nil, domain.NewGatewayError(domain.ClassAuthentication, "verify_webhook", err)
	}

	var previous json.RawMessage
	if len(event.Data.PreviousAttributes) > 0 {
		previous, err = json.Marshal(event.Data.PreviousAttributes)
		if err != nil {
			return nil, domain.NewGatewayError(domain.ClassPermanent, "verify_webhook", err)
		}
	}

	return &domain.Event{
		ID:                 event.ID,
		Type:               string(event.Type),
		Data:               event.Data.Raw,
		PreviousAttributes: previous,
		CreatedAt:          time.Unix(event.Created, 0).UTC(),
		Source:             domain.SourceVerifiedWebhook,
	}, nil
}

func (g *Gateway) meterIDsByEventName(ctx context.Context) (map[string]string, error) {
	ids := map[string]string{}
	err := g.withRetry(ctx, "list_meters", func() error {
		params := &stripe.BillingMeterListParams{}
		params.Context = ctx
		iter := meter.List(params)
		for iter.Next() {
			m := iter.BillingMeter()
			ids[m.EventName] = m.ID
		}
		return wrap("list_meters", iter.Err())
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func mapSubscription(sub *stripe.Subscription) *domain.Subscription {
	result := &domain.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Limits:            map[string]float64{},
	}
	if sub.Customer != nil {
		result.CustomerID = sub.Customer.ID
	}
	if sub.Metadata != nil {
		result.WorkspaceID = sub.Metadata["workspace_id"]
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		result.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		result.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()

		if item.Price != nil && item.Price.Product != nil {
			meta := item.Price.Product.Metadata
			result.Tier = strings.ToLower(strings.TrimSpace(meta["tier"]))
			result.Features = splitFeatures(meta["features"])
			for key, value := range meta {
				name, found := strings.CutPrefix(key, "limit_")
				if !found {
					continue
				}
				limit, err := decimal.NewFromString(strings.TrimSpace(value))
				if err != nil {
					continue
				}
				f, _ := limit.Float64()
				result.Limits[name] = f
			}
		}
	}
	return result
}

func mapInvoice(inv *stripe.Invoice) *domain.Invoice {
	result := &domain.Invoice{
		ID:         inv.ID,
		Status:     string(inv.Status),
		Currency:   strings.ToUpper(string(inv.Currency)),
		AmountDue:  decimal.NewFromInt(inv.AmountDue),
		AmountPaid: decimal.NewFromInt(inv.AmountPaid),
	}
	if inv.Customer != nil {
		result.CustomerID = inv.Customer.ID
	}
	if inv.DueDate != 0 {
		result.DueDate = time.Unix(inv.DueDate, 0).UTC()
	}
	if inv.Metadata != nil {
		result.WorkspaceID = inv.Metadata["workspace_id"]
		result.OrderReference = inv.Metadata["order_reference"]
	}
	return result
}

func splitFeatures(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	features := make([]string, 0, len(parts))
	for _, part := range parts {
		feature := strings.TrimSpace(part)
		if feature == "" {
			continue
		}
		features = append(features, feature)
	}
	return features
}

func statusRank(status stripe.SubscriptionStatus) int {
	switch status {
	case stripe.SubscriptionStatusActive:
		return 0
	case stripe.SubscriptionStatusTrialing:
		return 1
	case stripe.SubscriptionStatusPastDue:
		return 2
	default:
		return 3
	}
}
