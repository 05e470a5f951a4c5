package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Root config object
type Config struct {
	Broker   BrokerCfg   `yaml:"broker"`
	Sites    []SiteCfg   `yaml:"sites"`
	Router   RouterCfg   `yaml:"router"`
	Ingestor IngestorCfg `yaml:"ingestor"`
}

type BrokerCfg struct {
	// URL is tcp://host:port, ssl://..., ws://..., a bare host[:port], or
	// memory:// for the in-process broker.
	URL                  string        `yaml:"url"`
	Username             string        `yaml:"username,omitempty"`
	Password             string        `yaml:"password,omitempty"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout,omitempty"`
	KeepAlive            time.Duration `yaml:"keep_alive,omitempty"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval,omitempty"`
	PublishTimeout       time.Duration `yaml:"publish_timeout,omitempty"`
	Retry                RetryCfg      `yaml:"retry"`
}

type RetryCfg struct {
	Initial     time.Duration `yaml:"initial,omitempty"`
	Max         time.Duration `yaml:"max,omitempty"`
	Multiplier  float64       `yaml:"multiplier,omitempty"`
	Jitter      float64       `yaml:"jitter,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
}

type LocationCfg struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

type SiteCfg struct {
	ID             string        `yaml:"id"`
	Type           string        `yaml:"type"`
	Location       LocationCfg   `yaml:"location"`
	Interval       time.Duration `yaml:"interval,omitempty"`
	Delivery       string        `yaml:"delivery,omitempty"`
	BufferCapacity int           `yaml:"buffer_capacity,omitempty"`
	BufferPolicy   string        `yaml:"buffer_policy,omitempty"`
	HighFrequency  *bool         `yaml:"high_frequency,omitempty"`
	ClientID       string        `yaml:"client_id,omitempty"`
	Seed           int64         `yaml:"seed,omitempty"`
	// Source names a simulator preset; empty means the site type's own.
	Source string `yaml:"source,omitempty"`
}

type RouterCfg struct {
	ClientID             string             `yaml:"client_id,omitempty"`
	Delivery             string             `yaml:"delivery,omitempty"`
	Fallback             string             `yaml:"fallback,omitempty"`
	FallbackSampleRateMS int                `yaml:"fallback_sample_rate_ms,omitempty"`
	Admit                string             `yaml:"admit,omitempty"`
	Rules                map[string]RuleCfg `yaml:"rules,omitempty"`
}

type RuleCfg struct {
	Include      []string `yaml:"include"`
	SampleRateMS int      `yaml:"sample_rate_ms"`
}

type IngestorCfg struct {
	ClientID    string                 `yaml:"client_id,omitempty"`
	Measurement string                 `yaml:"measurement,omitempty"`
	Exporters   map[string]ExporterCfg `yaml:"exporters"`
}

type ExporterCfg struct {
	Name     string         `yaml:"-"`
	Type     string         `yaml:"type"`
	Endpoint string         `yaml:"endpoint,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

// Load reads YAML config, expands ${VAR} references, applies the legacy
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finish(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML after expanding ${VAR} and ${VAR:-default} with lookup.
func Parse(b []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(Expand(string(b), lookup)), &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	// Normalize exporters
	for k, v := range cfg.Ingestor.Exporters {
		typ, name := splitKey(k)
		if v.Type == "" {
			v.Type = typ
		}
		if v.Name == "" {
			v.Name = name
		}
		if v.Extra == nil {
			v.Extra = map[string]any{}
		}
		cfg.Ingestor.Exporters[k] = v
	}
	return &cfg, nil
}

// Finish applies env overrides, fills defaults and validates. Use it on a
// Config built in code as well as on a parsed one.
func (c *Config) Finish(lookup func(string) (string, bool)) error {
	if err := c.ApplyEnv(lookup); err != nil {
		return err
	}
	c.ApplyDefaults()
	return c.Validate()
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:-default}. A bare $ is left alone so
// passwords containing one survive.
func Expand(s string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := lookup(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

// ApplyEnv applies the single-site environment variables the gateways have
// always honoured. GATEWAY_ID selects (or creates) the site they apply to.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("MQTT_BROKER"); ok {
		c.Broker.URL = v
	}
	if v, ok := get("MQTT_USERNAME"); ok {
		c.Broker.Username = v
	}
	if v, ok := get("MQTT_PASSWORD"); ok {
		c.Broker.Password = v
	}

	id, hasID := get("GATEWAY_ID")
	typ, hasType := get("GATEWAY_TYPE")
	var site *SiteCfg
	switch {
	case hasID:
		for i := range c.Sites {
			if c.Sites[i].ID == id {
				site = &c.Sites[i]
			}
		}
		if site == nil {
			c.Sites = append(c.Sites, SiteCfg{ID: id})
			site = &c.Sites[len(c.Sites)-1]
		}
	case len(c.Sites) == 1:
		site = &c.Sites[0]
	}
	if site == nil {
		return nil
	}
	if hasType {
		site.Type = typ
	}
	if v, ok := get("LOCATION_LAT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: LOCATION_LAT: %v", ErrInvalid, err)
		}
		site.Location.Lat = f
	}
	if v, ok := get("LOCATION_LON"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: LOCATION_LON: %v", ErrInvalid, err)
		}
		site.Location.Lon = f
	}
	if v, ok := get("OFFLINE_BUFFER_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: OFFLINE_BUFFER_SIZE: %v", ErrInvalid, err)
		}
		site.BufferCapacity = n
	}
	if v, ok := get("SAMPLING_RATE_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SAMPLING_RATE_MS: %v", ErrInvalid, err)
		}
		site.Interval = time.Duration(n) * time.Millisecond
	}
	return nil
}

// splitKey lets you write keys like "influx/primary" in YAML.
// It splits into (type, name).
func splitKey(k string) (typ, name string) {
	if k == "" {
		return "", ""
	}
	parts := strings.SplitN(k, "/", 2)
	if len(parts) == 1 {
		return parts[0], parts[0]
	}
	return parts[0], parts[1]
}
