package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMetricsRoundTripKeepsOrder(t *testing.T) {
	in := Metrics{{"zeta", 1}, {"alpha", 2.5}, {"mid", -3}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"zeta":1,"alpha":2.5,"mid":-3}` {
		t.Fatalf("unexpected encoding: %s", b)
	}

	var out Metrics
	if err := json.Unmarshal([]byte(`{"b":1, "a":2, "c":3}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := strings.Join(out.Names(), ","); got != "b,a,c" {
		t.Fatalf("order lost: %s", got)
	}
}

func TestMetricsRejectsNonNumeric(t *testing.T) {
	cases := []string{
		`{"status":"online"}`,
		`{"nested":{"x":1}}`,
		`{"list":[1,2]}`,
		`{"nil":null}`,
		`[1,2]`,
	}
	for _, c := range cases {
		var m Metrics
		if err := json.Unmarshal([]byte(c), &m); err == nil {
			t.Fatalf("expected error for %s", c)
		}
	}
}

func TestMetricsDuplicateKeyLastWins(t *testing.T) {
	var m Metrics
	if err := json.Unmarshal([]byte(`{"a":1,"b":2,"a":3}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m) != 2 || m[0].Name != "a" || m[0].Value != 3 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	raw := `{"site_id":"CELL_SITE_001","site_type":"CELL","location":{"lat":-6.2,"lon":106.8},
		"timestamp":"2024-03-01T10:00:00.123456","metrics":{"battery_soc":50,"cpu_temp":30}}`
	s, err := DecodeSnapshot([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.SiteID != "CELL_SITE_001" || s.SiteType != SiteCell {
		t.Fatalf("identity mismatch: %+v", s)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC)
	if !s.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", s.Timestamp, want)
	}
	if v, ok := s.Metrics.Get("cpu_temp"); !ok || v != 30 {
		t.Fatalf("cpu_temp = %v %v", v, ok)
	}
}

func TestDecodeSnapshotMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"site_id":`,
		"missing site_id": `{"site_type":"CELL","metrics":{}}`,
		"missing type":    `{"site_id":"a","metrics":{}}`,
		"missing metrics": `{"site_id":"a","site_type":"CELL"}`,
		"null metrics":    `{"site_id":"a","site_type":"CELL","metrics":null}`,
		"bad site id":     `{"site_id":"a/b","site_type":"CELL","metrics":{}}`,
		"bad timestamp":   `{"site_id":"a","site_type":"CELL","timestamp":"yesterday","metrics":{}}`,
		"string metric":   `{"site_id":"a","site_type":"CELL","metrics":{"x":"1"}}`,
	}
	for name, raw := range cases {
		if _, err := DecodeSnapshot([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestProcessedEncoding(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := Processed{
		Snapshot: Snapshot{
			SiteID:    "DC_SITE_001",
			SiteType:  SiteDatacenter,
			Location:  &Location{Lat: 1, Lon: 2},
			Timestamp: NewTime(at),
			Metrics:   Metrics{{"power_kw", 12.5}},
		},
		FilteredAt:   NewTime(at.Add(time.Second)),
		SampleRateMS: 100,
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"site_id":"DC_SITE_001","site_type":"DATACENTER","location":{"lat":1,"lon":2},` +
		`"timestamp":"2024-01-02T03:04:05Z","metrics":{"power_kw":12.5},` +
		`"filtered_at":"2024-01-02T03:04:06Z","sample_rate_ms":100}`
	if string(b) != want {
		t.Fatalf("encoding mismatch:\n got %s\nwant %s", b, want)
	}

	back, err := DecodeProcessed(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.SampleRateMS != 100 || !back.FilteredAt.Equal(at.Add(time.Second)) {
		t.Fatalf("processed fields lost: %+v", back)
	}
}

func TestTopics(t *testing.T) {
	if got := RawTopic("CELL_SITE_001"); got != "telemetry/edge/CELL_SITE_001/raw" {
		t.Fatalf("raw topic: %s", got)
	}
	site, kind, ok := ParseTopic(MetricsTopic("x"))
	if !ok || site != "x" || kind != KindMetrics {
		t.Fatalf("ParseTopic = %q %q %v", site, kind, ok)
	}
	for _, bad := range []string{"other/edge/x/raw", "telemetry/edge/x", "telemetry/edge//raw", "telemetry/edge/a/b/c"} {
		if _, _, ok := ParseTopic(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	for _, bad := range []string{"", "  ", "a/b", "a+", "#"} {
		if ValidSiteID(bad) == nil {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}

func TestTimeNullIsZero(t *testing.T) {
	var s Snapshot
	if err := json.Unmarshal([]byte(`{"timestamp":null}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !s.Timestamp.IsZero() {
		t.Fatalf("expected zero timestamp")
	}
	b, _ := json.Marshal(Time{})
	if string(b) != "null" {
		t.Fatalf("zero time encodes as %s", b)
	}
}
