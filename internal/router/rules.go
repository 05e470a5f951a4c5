package router

import (
	"fmt"
	"strings"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

// Rule selects the metrics forwarded for one site type.
type Rule struct {
	// Include holds lower-cased keywords; a metric is kept when its
	// lower-cased name contains any of them.
	Include      []string
	SampleRateMS int
	// All forwards every metric regardless of Include.
	All bool
}

// NewRule lower-cases and trims keywords, dropping empty ones.
func NewRule(include []string, sampleRateMS int) Rule {
	r := Rule{SampleRateMS: sampleRateMS}
	for _, k := range include {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			r.Include = append(r.Include, k)
		}
	}
	return r
}

// Apply returns the retained metrics in input order. The input is not
// modified.
func (r Rule) Apply(in model.Metrics) model.Metrics {
	out := make(model.Metrics, 0, len(in))
	if r.All {
		return append(out, in...)
	}
	for _, m := range in {
		name := strings.ToLower(m.Name)
		for _, k := range r.Include {
			if strings.Contains(name, k) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Fallback is the policy for site types with no rule.
type Fallback string

const (
	// FallbackPass forwards every metric of an unknown site type.
	FallbackPass Fallback = "pass"
	// FallbackDrop republishes nothing for an unknown site type.
	FallbackDrop Fallback = "drop"
)

func ParseFallback(s string) (Fallback, error) {
	switch Fallback(strings.ToLower(strings.TrimSpace(s))) {
	case "", FallbackPass:
		return FallbackPass, nil
	case FallbackDrop:
		return FallbackDrop, nil
	}
	return "", fmt.Errorf("unknown fallback %q (want pass or drop)", s)
}

// DefaultFallbackSampleRateMS is declared on pass-through output.
const DefaultFallbackSampleRateMS = 1000

// Rules is the read-only rule table.
type Rules struct {
	bySite         map[model.SiteType]Rule
	fallback       Fallback
	fallbackRateMS int
}

func NewRules(bySite map[model.SiteType]Rule, fb Fallback, fallbackRateMS int) Rules {
	t := Rules{bySite: make(map[model.SiteType]Rule, len(bySite)), fallback: fb, fallbackRateMS: fallbackRateMS}
	for k, v := range bySite {
		t.bySite[k.Normalize()] = v
	}
	if t.fallback == "" {
		t.fallback = FallbackPass
	}
	if t.fallbackRateMS <= 0 {
		t.fallbackRateMS = DefaultFallbackSampleRateMS
	}
	return t
}

// DefaultRuleSet returns a fresh copy of the production rules for the three
// known site types.
func DefaultRuleSet() map[model.SiteType]Rule {
	return map[model.SiteType]Rule{
		model.SiteCell: NewRule([]string{
			"voltage", "current", "power", "battery", "solar", "temperature", "signal_strength", "connected_users",
		}, 5000),
		model.SiteDatacenter: NewRule([]string{
			"voltage", "current", "power", "temperature", "humidity", "cpu_usage", "memory_usage", "network_throughput", "ups_status",
		}, 100),
		model.SiteSwitchroom: NewRule([]string{
			"voltage", "current", "power", "temperature", "humidity", "hvac_status", "door_status", "fire_alarm", "switch_status",
		}, 1000),
	}
}

// DefaultRules is the production table with the pass-through fallback.
func DefaultRules() Rules {
	return NewRules(DefaultRuleSet(), FallbackPass, DefaultFallbackSampleRateMS)
}

// Lookup returns the rule for t. known is false when the fallback applied;
// drop is true when the fallback says to republish nothing.
func (t Rules) Lookup(st model.SiteType) (r Rule, known, drop bool) {
	if r, ok := t.bySite[st.Normalize()]; ok {
		return r, true, false
	}
	if t.fallback == FallbackDrop {
		return Rule{SampleRateMS: t.fallbackRateMS}, false, true
	}
	return Rule{All: true, SampleRateMS: t.fallbackRateMS}, false, false
}

func (t Rules) Fallback() Fallback { return t.fallback }
func (t Rules) Len() int           { return len(t.bySite) }
