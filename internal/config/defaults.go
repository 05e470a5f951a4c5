package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/edge"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
	"github.com/noz-co-id/Greengrid-telco/internal/router"
	"github.com/noz-co-id/Greengrid-telco/internal/transport"
)

// MemoryBrokerURL runs every role against an in-process broker.
const MemoryBrokerURL = "memory://"

// MaxBufferCapacity bounds a site's offline buffer, which is allocated up front.
const MaxBufferCapacity = 1_000_000

// SitePreset is the per-site-type default profile. Every field can be
// overridden per site.
type SitePreset struct {
	Interval       time.Duration
	Delivery       string
	BufferPolicy   string
	HighFrequency  bool
	BufferCapacity int
}

var sitePresets = map[model.SiteType]SitePreset{
	model.SiteCell:       {Interval: 5 * time.Second, Delivery: "at_least_once", BufferPolicy: "buffer", BufferCapacity: 10000},
	model.SiteDatacenter: {Interval: 100 * time.Millisecond, Delivery: "at_most_once", BufferPolicy: "drop", HighFrequency: true, BufferCapacity: 10000},
	model.SiteSwitchroom: {Interval: time.Second, Delivery: "at_least_once", BufferPolicy: "buffer", BufferCapacity: 10000},
}

// PresetFor returns the profile of t; unknown types get the CELL profile.
func PresetFor(t model.SiteType) SitePreset {
	if p, ok := sitePresets[t.Normalize()]; ok {
		return p
	}
	return sitePresets[model.SiteCell]
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	b := &c.Broker
	if b.URL == "" {
		b.URL = "tcp://mqtt-middleware:1883"
	}
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = 10 * time.Second
	}
	if b.KeepAlive <= 0 {
		b.KeepAlive = 60 * time.Second
	}
	if b.MaxReconnectInterval <= 0 {
		b.MaxReconnectInterval = 30 * time.Second
	}
	if b.PublishTimeout <= 0 {
		b.PublishTimeout = 2 * time.Second
	}
	if b.Retry.Initial <= 0 {
		b.Retry.Initial = time.Second
	}
	if b.Retry.Max <= 0 {
		b.Retry.Max = 30 * time.Second
	}
	if b.Retry.Multiplier < 1 {
		b.Retry.Multiplier = 2
	}

	for i := range c.Sites {
		s := &c.Sites[i]
		s.Type = string(model.SiteType(s.Type).Normalize())
		p := PresetFor(model.SiteType(s.Type))
		if s.Interval <= 0 {
			s.Interval = p.Interval
		}
		if s.Delivery == "" {
			s.Delivery = p.Delivery
		}
		if s.BufferPolicy == "" {
			s.BufferPolicy = p.BufferPolicy
		}
		if s.BufferCapacity <= 0 {
			s.BufferCapacity = p.BufferCapacity
		}
		if s.HighFrequency == nil {
			hf := p.HighFrequency
			s.HighFrequency = &hf
		}
		if s.ClientID == "" {
			s.ClientID = "edge-" + s.ID
		}
	}

	r := &c.Router
	if r.ClientID == "" {
		r.ClientID = "greengrid-router"
	}
	if r.Delivery == "" {
		r.Delivery = "at_least_once"
	}
	if r.Fallback == "" {
		r.Fallback = string(router.FallbackPass)
	}
	if r.FallbackSampleRateMS <= 0 {
		r.FallbackSampleRateMS = router.DefaultFallbackSampleRateMS
	}

	in := &c.Ingestor
	if in.ClientID == "" {
		in.ClientID = "greengrid-ingestor"
	}
	if in.Measurement == "" {
		in.Measurement = "telco_metrics"
	}
	if len(in.Exporters) == 0 {
		in.Exporters = map[string]ExporterCfg{"stdout": {Name: "stdout", Type: "stdout", Extra: map[string]any{}}}
	}
}

// Validate reports the first problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("%w: broker.url is empty", ErrInvalid)
	}
	if c.Broker.Retry.Jitter < 0 || c.Broker.Retry.Jitter > 1 {
		return fmt.Errorf("%w: broker.retry.jitter must be within 0..1", ErrInvalid)
	}

	seen := map[string]bool{}
	for i, s := range c.Sites {
		where := fmt.Sprintf("sites[%d]", i)
		if err := model.ValidSiteID(s.ID); err != nil {
			return fmt.Errorf("%w: %s.id: %v", ErrInvalid, where, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s.id %q is duplicated", ErrInvalid, where, s.ID)
		}
		seen[s.ID] = true
		if s.Type == "" {
			return fmt.Errorf("%w: %s (%s) has no type", ErrInvalid, where, s.ID)
		}
		if s.Interval <= 0 {
			return fmt.Errorf("%w: %s.interval must be positive", ErrInvalid, where)
		}
		if s.BufferCapacity < 1 || s.BufferCapacity > MaxBufferCapacity {
			return fmt.Errorf("%w: %s.buffer_capacity must be between 1 and %d", ErrInvalid, where, MaxBufferCapacity)
		}
		if _, err := transport.ParseQoS(s.Delivery); err != nil {
			return fmt.Errorf("%w: %s.delivery: %v", ErrInvalid, where, err)
		}
		if _, err := edge.ParseBufferPolicy(s.BufferPolicy); err != nil {
			return fmt.Errorf("%w: %s.buffer_policy: %v", ErrInvalid, where, err)
		}
	}

	if _, err := transport.ParseQoS(c.Router.Delivery); err != nil {
		return fmt.Errorf("%w: router.delivery: %v", ErrInvalid, err)
	}
	if _, err := router.ParseFallback(c.Router.Fallback); err != nil {
		return fmt.Errorf("%w: router.fallback: %v", ErrInvalid, err)
	}
	for st, r := range c.Router.Rules {
		if strings.TrimSpace(st) == "" {
			return fmt.Errorf("%w: router.rules has an empty site type", ErrInvalid)
		}
		if r.SampleRateMS <= 0 {
			return fmt.Errorf("%w: router.rules.%s.sample_rate_ms must be positive", ErrInvalid, st)
		}
	}

	for k, e := range c.Ingestor.Exporters {
		if e.Type == "" {
			return fmt.Errorf("%w: ingestor.exporters.%s has no type", ErrInvalid, k)
		}
	}
	return nil
}

// IsMemoryBroker reports whether the broker URL selects the in-process broker.
func (c *Config) IsMemoryBroker() bool {
	return strings.HasPrefix(strings.ToLower(c.Broker.URL), MemoryBrokerURL)
}
