package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlanCatalog is the fallback feature/limit map used when the ledger's
// product metadata does not carry one. Tiers mirror the ledger catalog.
type PlanCatalog struct {
	Tiers []PlanTierConfig `mapstructure:"tiers"`
}

type PlanTierConfig struct {
	Tier     string             `mapstructure:"tier"`
	Features []string           `mapstructure:"features"`
	Limits   map[string]float64 `mapstructure:"limits"`
}

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		Tiers: []PlanTierConfig{
			{
				Tier:     "free",
				Features: []string{"ai_chat"},
				Limits:   map[string]float64{"ai_credits": 50},
			},
			{
				Tier:     "starter",
				Features: []string{"ai_chat", "whatsapp", "email_campaigns"},
				Limits:   map[string]float64{"ai_credits": 1000, "whatsapp_messages": 500, "email_sends": 2000},
			},
			{
				Tier:     "growth",
				Features: []string{"ai_chat", "whatsapp", "email_campaigns", "automations", "custom_actions"},
				Limits:   map[string]float64{"ai_credits": 10000, "whatsapp_messages": 5000, "email_sends": 20000},
			},
			{
				Tier:     "enterprise",
				Features: []string{"ai_chat", "whatsapp", "email_campaigns", "automations", "custom_actions", "dedicated_support", "sla", "custom_integrations"},
				Limits:   map[string]float64{},
			},
		},
	}
}

// PlanCatalogHolder holds the current catalog and hot-reloads it when the
// backing file changes. Invalid updates are ignored, never swapped in.
type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog
}

func NewPlanCatalogHolder() (*PlanCatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billing-engine/config")
	v.AddConfigPath("/etc/billing-engine")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PlanCatalogHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultPlanCatalog())
		return holder, nil
	}

	var catalog PlanCatalog
	if err := v.UnmarshalKey("plans", &catalog); err != nil {
		return nil, err
	}
	if err := validatePlanCatalog(catalog); err != nil {
		return nil, err
	}
	holder.current.Store(catalog)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanCatalog
		if err := v.UnmarshalKey("plans", &updated); err != nil {
			log.Printf("[plan-catalog] reload failed: %v", err)
			return
		}
		if err := validatePlanCatalog(updated); err != nil {
			log.Printf("[plan-catalog] invalid catalog ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[plan-catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPlanCatalogHolder wraps a fixed catalog. Used by tests and
// tooling that does not watch a config file.
func NewStaticPlanCatalogHolder(catalog PlanCatalog) *PlanCatalogHolder {
	holder := &PlanCatalogHolder{}
	holder.current.Store(catalog)
	return holder
}

func (h *PlanCatalogHolder) Get() PlanCatalog {
	return h.current.Load().(PlanCatalog)
}

// FeaturesForTier returns the fallback feature list for a tier, defaulting
// to the free tier when the tier is unknown.
func (c PlanCatalog) FeaturesForTier(tier string) []string {
	tier = strings.ToLower(strings.TrimSpace(tier))
	var free []string
	for _, t := range c.Tiers {
		if t.Tier == tier {
			return t.Features
		}
		if t.Tier == "free" {
			free = t.Features
		}
	}
	return free
}

// LimitsForTier returns the fallback usage limits for a tier.
func (c PlanCatalog) LimitsForTier(tier string) map[string]float64 {
	tier = strings.ToLower(strings.TrimSpace(tier))
	for _, t := range c.Tiers {
		if t.Tier == tier {
			return t.Limits
		}
	}
	return nil
}

func validatePlanCatalog(c PlanCatalog) error {
	if len(c.Tiers) == 0 {
		return errors.New("plans.tiers cannot be empty")
	}
	seen := map[string]bool{}
	for _, t := range c.Tiers {
		tier := strings.ToLower(strings.TrimSpace(t.Tier))
		if tier == "" {
			return errors.New("plans.tiers entry missing tier name")
		}
		if seen[tier] {
			return errors.New("duplicate tier " + tier)
		}
		seen[tier] = true
	}
	return nil
}
