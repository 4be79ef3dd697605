package domain

// UsageCheck is the result of comparing live usage against a plan limit.
type UsageCheck struct {
	Meter     string  `json:"meter"`
	Limited   bool    `json:"limited"`
	Limit     float64 `json:"limit,omitempty"`
	Used      float64 `json:"used"`
	Remaining float64 `json:"remaining,omitempty"`
	Allowed   bool    `json:"allowed"`
}
