// Package source produces the metric snapshots an edge site publishes.
package source

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

// Source yields one snapshot's metrics per generation tick.
type Source interface {
	Sample(now time.Time) model.Metrics
}

// Func adapts a plain function to Source.
type Func func(now time.Time) model.Metrics

func (f Func) Sample(now time.Time) model.Metrics { return f(now) }

// MaxDepth is the deepest path Flatten descends into. A metric name joins at
// most MaxDepth keys with Separator.
const (
	MaxDepth  = 3
	Separator = "_"
)

// Flatten turns a nested device tree into ordered metrics. Keys are visited
// in sorted order at every level, so equal trees always yield equal output.
// Numeric leaves are kept, bools become 1 or 0, everything else (strings,
// lists, maps below MaxDepth) is skipped.
func Flatten(tree map[string]any) model.Metrics {
	out := model.Metrics{}
	flatten(&out, nil, tree)
	return out
}

func flatten(out *model.Metrics, path []string, node map[string]any) {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := append(path[:len(path):len(path)], k)
		switch v := node[k].(type) {
		case map[string]any:
			if len(p) < MaxDepth {
				flatten(out, p, v)
			}
		default:
			if f, ok := numeric(v); ok {
				*out = append(*out, model.Metric{Name: strings.Join(p, Separator), Value: f})
			}
		}
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
