package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Metric is one named reading inside a snapshot.
type Metric struct {
	Name  string
	Value float64
}

// Metrics keeps readings in document order. It encodes as a JSON object and
// decodes from one without losing key order, which plain maps cannot do.
type Metrics []Metric

// Get returns the value for name.
func (m Metrics) Get(name string) (float64, bool) {
	for _, mt := range m {
		if mt.Name == name {
			return mt.Value, true
		}
	}
	return 0, false
}

// Names lists metric names in order.
func (m Metrics) Names() []string {
	out := make([]string, len(m))
	for i, mt := range m {
		out[i] = mt.Name
	}
	return out
}

// Map copies the readings into a map, for consumers that do not care about order.
func (m Metrics) Map() map[string]float64 {
	out := make(map[string]float64, len(m))
	for _, mt := range m {
		out[mt.Name] = mt.Value
	}
	return out
}

func (m Metrics) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, mt := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(mt.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(mt.Value)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", mt.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Metrics) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metrics: expected object, got %v", tok)
	}

	out := Metrics{}
	index := map[string]int{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := kt.(string)

		vt, err := dec.Token()
		if err != nil {
			return err
		}
		num, ok := vt.(json.Number)
		if !ok {
			return fmt.Errorf("metrics: value of %q is not a number", name)
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("metrics: value of %q: %w", name, err)
		}

		if i, seen := index[name]; seen {
			out[i].Value = f
			continue
		}
		index[name] = len(out)
		out = append(out, Metric{Name: name, Value: f})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// Time is a UTC instant carried as an ISO-8601 string.
type Time struct {
	time.Time
}

// NewTime truncates nothing; it only pins the zone to UTC.
func NewTime(t time.Time) Time { return Time{t.UTC()} }

// Layouts accepted on decode. Older gateways send the last two without a
// zone; those are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}
