package domain

import "time"

// Snapshot is the cached view of what a workspace is entitled to. It is
// derived from the ledger subscription and mirrors the state the billing
// processors maintain.
type Snapshot struct {
	WorkspaceID    string             `json:"workspace_id"`
	CustomerID     string             `json:"customer_id"`
	SubscriptionID string             `json:"subscription_id"`
	Tier           string             `json:"tier"`
	Status         string             `json:"status"`
	Features       []string           `json:"features"`
	Limits         map[string]float64 `json:"limits"`
	PeriodStart    time.Time          `json:"period_start"`
	PeriodEnd      time.Time          `json:"period_end"`
	ResolvedAt     time.Time          `json:"resolved_at"`
}

// Active reports whether the subscription status grants access.
func (s Snapshot) Active() bool {
	switch s.Status {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}

// HasFeature reports whether the feature is part of the current plan.
func (s Snapshot) HasFeature(feature string) bool {
	for _, f := range s.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// LimitFor returns the usage limit for a meter. Absent limits mean
// unlimited and report ok=false.
func (s Snapshot) LimitFor(meter string) (float64, bool) {
	limit, ok := s.Limits[meter]
	return limit, ok
}
