package source

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

// Walk describes one simulated signal. Each sample moves the value by up to
// ±Jitter and clamps it to [Min, Max]. When Min == Max == 0 the value is
// unbounded. Drift makes the value wander from its previous sample instead of
// being redrawn around Base every time.
type Walk struct {
	Base   float64
	Jitter float64
	Min    float64
	Max    float64
	Drift  bool
}

type leaf struct {
	path []string
	walk Walk
	cur  float64
}

// RandomWalk simulates a site's devices from a profile tree. Its output names
// follow Flatten, so a profile tree and a real device tree of the same shape
// yield the same metric names.
type RandomWalk struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	leaves []*leaf
}

// NewRandomWalk builds a simulator from tree. Leaves are Walk values or maps
// with a numeric "base" key (as decoded from YAML); other maps are device
// groups and nest at most MaxDepth levels.
func NewRandomWalk(tree map[string]any, seed int64) (*RandomWalk, error) {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rw := &RandomWalk{rnd: rand.New(rand.NewSource(seed))}
	if err := rw.collect(nil, tree); err != nil {
		return nil, err
	}
	if len(rw.leaves) == 0 {
		return nil, fmt.Errorf("source: profile tree has no signals")
	}
	return rw, nil
}

func (rw *RandomWalk) collect(path []string, node map[string]any) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := append(path[:len(path):len(path)], k)
		if len(p) > MaxDepth {
			return fmt.Errorf("source: %s nests deeper than %d levels", strings.Join(p, "."), MaxDepth)
		}
		switch v := node[k].(type) {
		case Walk:
			rw.leaves = append(rw.leaves, &leaf{path: p, walk: v, cur: v.Base})
		case map[string]any:
			if _, isLeaf := v["base"]; isLeaf {
				w, err := walkFromMap(v)
				if err != nil {
					return fmt.Errorf("source: %s: %w", strings.Join(p, "."), err)
				}
				rw.leaves = append(rw.leaves, &leaf{path: p, walk: w, cur: w.Base})
				continue
			}
			if err := rw.collect(p, v); err != nil {
				return err
			}
		default:
			if f, ok := numeric(v); ok {
				w := Walk{Base: f}
				rw.leaves = append(rw.leaves, &leaf{path: p, walk: w, cur: f})
			}
		}
	}
	return nil
}

func walkFromMap(m map[string]any) (Walk, error) {
	var w Walk
	for key, dst := range map[string]*float64{"base": &w.Base, "jitter": &w.Jitter, "min": &w.Min, "max": &w.Max} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		f, ok := numeric(raw)
		if !ok {
			return Walk{}, fmt.Errorf("%s must be a number", key)
		}
		*dst = f
	}
	if d, ok := m["drift"].(bool); ok {
		w.Drift = d
	}
	if w.Min > w.Max {
		return Walk{}, fmt.Errorf("min %v above max %v", w.Min, w.Max)
	}
	return w, nil
}

// Sample advances every signal one step and returns the flattened values.
func (rw *RandomWalk) Sample(time.Time) model.Metrics {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	tree := map[string]any{}
	for _, l := range rw.leaves {
		from := l.walk.Base
		if l.walk.Drift {
			from = l.cur
		}
		v := from + (rw.rnd.Float64()*2-1)*l.walk.Jitter
		if l.walk.Min != 0 || l.walk.Max != 0 {
			v = math.Max(l.walk.Min, math.Min(l.walk.Max, v))
		}
		l.cur = math.Round(v*100) / 100
		insert(tree, l.path, l.cur)
	}
	return Flatten(tree)
}

func insert(tree map[string]any, path []string, v float64) {
	node := tree
	for _, k := range path[:len(path)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[k] = next
		}
		node = next
	}
	node[path[len(path)-1]] = v
}
