package config

import (
	"fmt"
	"strconv"
	"time"
)

// --- Helpers for reading typed extras ---

func (ec ExporterCfg) ExtraString(key, def string) string {
	if ec.Extra == nil {
		return def
	}
	if v, ok := ec.Extra[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case fmt.Stringer:
			return s.String()
		}
	}
	return def
}

func (ec ExporterCfg) ExtraBool(key string, def bool) bool {
	if ec.Extra == nil {
		return def
	}
	if v, ok := ec.Extra[key]; ok {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if p, err := strconv.ParseBool(b); err == nil {
				return p
			}
		}
	}
	return def
}

func (ec ExporterCfg) ExtraInt(key string, def int) int {
	if ec.Extra == nil {
		return def
	}
	switch n := ec.Extra[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if p, err := strconv.Atoi(n); err == nil {
			return p
		}
	}
	return def
}

// ExtraDuration accepts "250ms"-style strings or a number of seconds.
func (ec ExporterCfg) ExtraDuration(key string, def time.Duration) time.Duration {
	if ec.Extra == nil {
		return def
	}
	switch d := ec.Extra[key].(type) {
	case string:
		if p, err := time.ParseDuration(d); err == nil {
			return p
		}
	case int:
		return time.Duration(d) * time.Second
	case float64:
		return time.Duration(d * float64(time.Second))
	}
	return def
}

// ExtraStrings accepts a YAML list or a single string.
func (ec ExporterCfg) ExtraStrings(key string) []string {
	if ec.Extra == nil {
		return nil
	}
	switch v := ec.Extra[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// ExtraStringMap reads a flat map such as headers or resource attributes.
func (ec ExporterCfg) ExtraStringMap(key string) map[string]string {
	if ec.Extra == nil {
		return nil
	}
	raw, ok := ec.Extra[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
