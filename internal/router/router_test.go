package router

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
	"github.com/noz-co-id/Greengrid-telco/internal/observe"
	"github.com/noz-co-id/Greengrid-telco/internal/transport"
)

type published struct {
	topic   string
	qos     transport.QoS
	payload []byte
}

type stubPub struct {
	mu   sync.Mutex
	out  []published
	fail error
}

func (s *stubPub) Publish(topic string, qos transport.QoS, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.out = append(s.out, published{topic, qos, payload})
	return nil
}

type routed struct{ siteType, status string }

type stubRecorder struct {
	observe.Noop
	mu  sync.Mutex
	got []routed
}

func (r *stubRecorder) MessageRouted(siteType, status string, _ time.Duration) {
	r.mu.Lock()
	r.got = append(r.got, routed{siteType, status})
	r.mu.Unlock()
}

func raw(t *testing.T, doc string) transport.Message {
	t.Helper()
	return transport.Message{Topic: "telemetry/edge/x/raw", Payload: []byte(doc)}
}

func decode(t *testing.T, p published) model.Processed {
	t.Helper()
	out, err := model.DecodeProcessed(p.payload)
	if err != nil {
		t.Fatalf("router emitted undecodable payload: %v", err)
	}
	return out
}

func TestRuleApplyKeepsOrderAndIgnoresCase(t *testing.T) {
	r := NewRule([]string{" Battery ", "", "SOLAR"}, 5000)
	in := model.Metrics{
		{Name: "solar_pv_power", Value: 1},
		{Name: "cpu_temp", Value: 2},
		{Name: "BATTERY_soc", Value: 3},
	}
	got := r.Apply(in)
	want := model.Metrics{{Name: "solar_pv_power", Value: 1}, {Name: "BATTERY_soc", Value: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Apply = %+v, want %+v", got, want)
	}
	if len(in) != 3 {
		t.Fatal("Apply modified its input")
	}
}

func TestCellBatteryFilter(t *testing.T) {
	pub := &stubPub{}
	rules := NewRules(map[model.SiteType]Rule{model.SiteCell: NewRule([]string{"battery"}, 5000)}, FallbackPass, 0)
	r := New(Config{Rules: rules, Delivery: transport.AtLeastOnce}, pub, nil)

	status := r.Handle(raw(t, `{"site_id":"CELL_SITE_001","site_type":"CELL","location":{"lat":-6.2,"lon":106.8},
		"timestamp":"2024-01-01T00:00:00","metrics":{"battery_soc":50,"cpu_temp":30}}`))
	if status != observe.StatusFiltered {
		t.Fatalf("status = %s", status)
	}
	if len(pub.out) != 1 {
		t.Fatalf("expected one republish, got %d", len(pub.out))
	}
	if pub.out[0].topic != "telemetry/edge/CELL_SITE_001/metrics" || pub.out[0].qos != transport.AtLeastOnce {
		t.Fatalf("published to %s q=%v", pub.out[0].topic, pub.out[0].qos)
	}
	out := decode(t, pub.out[0])
	want := model.Metrics{{Name: "battery_soc", Value: 50}}
	if !reflect.DeepEqual(out.Metrics, want) {
		t.Fatalf("metrics = %+v, want %+v", out.Metrics, want)
	}
	if out.SampleRateMS != 5000 || out.FilteredAt.IsZero() {
		t.Fatalf("annotations missing: %+v", out)
	}
	if out.Location == nil || out.Location.Lat != -6.2 {
		t.Fatalf("location not carried through: %+v", out.Location)
	}
}

func TestUnknownSiteTypePassesThroughDeterministically(t *testing.T) {
	pub := &stubPub{}
	rec := &stubRecorder{}
	r := New(Config{Rules: DefaultRules()}, pub, rec)
	doc := `{"site_id":"R1","site_type":"ROUTER","timestamp":"2024-01-01T00:00:00Z","metrics":{"b":2,"a":1,"c":3}}`

	for i := 0; i < 5; i++ {
		if got := r.Handle(raw(t, doc)); got != observe.StatusFallback {
			t.Fatalf("status = %s", got)
		}
	}
	want := model.Metrics{{Name: "b", Value: 2}, {Name: "a", Value: 1}, {Name: "c", Value: 3}}
	for _, p := range pub.out {
		out := decode(t, p)
		if !reflect.DeepEqual(out.Metrics, want) || out.SampleRateMS != DefaultFallbackSampleRateMS {
			t.Fatalf("fallback output = %+v rate=%d", out.Metrics, out.SampleRateMS)
		}
	}
	if len(rec.got) != 5 || rec.got[0] != (routed{"ROUTER", observe.StatusFallback}) {
		t.Fatalf("recorded = %+v", rec.got)
	}
}

func TestDropFallbackPublishesNothing(t *testing.T) {
	pub := &stubPub{}
	r := New(Config{Rules: NewRules(nil, FallbackDrop, 0)}, pub, nil)
	got := r.Handle(raw(t, `{"site_id":"R1","site_type":"ROUTER","metrics":{"a":1}}`))
	if got != observe.StatusDropped || len(pub.out) != 0 {
		t.Fatalf("status=%s published=%d", got, len(pub.out))
	}
}

func TestMalformedMessageDoesNotStopProcessing(t *testing.T) {
	pub := &stubPub{}
	rec := &stubRecorder{}
	r := New(Config{}, pub, rec)
	msgs := []string{
		`{"site_id":"C1","site_type":"CELL","metrics":{"battery_soc":1}}`,
		`{"site_id":"C1","site_type":"CELL","metrics":{"battery_soc":"high"}}`,
		`{"site_id":"C2","site_type":"CELL","metrics":{"battery_soc":2}}`,
	}
	for _, m := range msgs {
		r.Handle(raw(t, m))
	}
	if len(pub.out) != 2 {
		t.Fatalf("expected 2 republished, got %d", len(pub.out))
	}
	if decode(t, pub.out[0]).SiteID != "C1" || decode(t, pub.out[1]).SiteID != "C2" {
		t.Fatal("valid messages republished out of order")
	}
	var malformed int
	for _, g := range rec.got {
		if g.status == observe.StatusMalformed {
			malformed++
		}
	}
	if malformed != 1 {
		t.Fatalf("malformed count = %d", malformed)
	}
}

func TestMalformedVariants(t *testing.T) {
	r := New(Config{}, &stubPub{}, nil)
	for _, doc := range []string{
		`not json`,
		`{"site_type":"CELL","metrics":{}}`,
		`{"site_id":"a","metrics":{}}`,
		`{"site_id":"a","site_type":"CELL"}`,
		`{"site_id":"a/b","site_type":"CELL","metrics":{}}`,
	} {
		if got := r.Handle(raw(t, doc)); got != observe.StatusMalformed {
			t.Fatalf("%s: status = %s", doc, got)
		}
	}
}

func TestPublishFailureIsCounted(t *testing.T) {
	pub := &stubPub{fail: errors.New("offline")}
	r := New(Config{}, pub, nil)
	got := r.Handle(raw(t, `{"site_id":"C1","site_type":"CELL","metrics":{"power":1}}`))
	if got != observe.StatusPublishError {
		t.Fatalf("status = %s", got)
	}
}

func TestAdmissionGate(t *testing.T) {
	pub := &stubPub{}
	r := New(Config{Admit: `site_type != "TEST" && metric_count > 0`}, pub, nil)
	if got := r.Handle(raw(t, `{"site_id":"t","site_type":"TEST","metrics":{"a":1}}`)); got != observe.StatusRejected {
		t.Fatalf("TEST site: %s", got)
	}
	if got := r.Handle(raw(t, `{"site_id":"c","site_type":"CELL","metrics":{}}`)); got != observe.StatusRejected {
		t.Fatalf("empty metrics: %s", got)
	}
	if got := r.Handle(raw(t, `{"site_id":"c","site_type":"CELL","metrics":{"power":1}}`)); got != observe.StatusFiltered {
		t.Fatalf("valid: %s", got)
	}
}

func TestGateFailsOpen(t *testing.T) {
	s := model.Snapshot{SiteID: "a", SiteType: "CELL", Metrics: model.Metrics{}}
	for _, expr := range []string{"", "this is not cel", "site_id", `metrics["missing"] > 1.0`} {
		if !NewGate(expr).Admit("t", s, time.Now()) {
			t.Fatalf("gate %q should admit", expr)
		}
	}
	if NewGate(`metrics["power"] > 10.0`).Admit("t", s.WithMetrics(model.Metrics{{Name: "power", Value: 1}}), time.Now()) {
		t.Fatal("gate should reject power=1")
	}
}

func TestParseFallback(t *testing.T) {
	if f, err := ParseFallback(""); err != nil || f != FallbackPass {
		t.Fatalf("default fallback = %v %v", f, err)
	}
	if f, err := ParseFallback("DROP"); err != nil || f != FallbackDrop {
		t.Fatalf("drop = %v %v", f, err)
	}
	if _, err := ParseFallback("maybe"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunOverMemoryBroker(t *testing.T) {
	broker := transport.NewMemory()
	rc := broker.Client("router")
	edge := broker.Client("edge")
	sink := broker.Client("sink")
	defer rc.Close()
	defer edge.Close()
	defer sink.Close()

	got := make(chan transport.Message, 4)
	_ = sink.Subscribe(model.MetricsFilter, transport.AtLeastOnce, func(m transport.Message) { got <- m })
	_ = sink.Connect(context.Background())
	_ = edge.Connect(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(Config{Delivery: transport.AtLeastOnce}, rc, nil)
	go func() { _ = r.Run(ctx, rc, transport.Backoff{Initial: time.Millisecond, Multiplier: 1}) }()

	payload := []byte(`{"site_id":"C1","site_type":"CELL","metrics":{"battery_soc":50,"cpu_temp":30}}`)
	deadline := time.After(2 * time.Second)
	for {
		_ = edge.Publish(model.RawTopic("C1"), transport.AtLeastOnce, payload)
		select {
		case m := <-got:
			if m.Topic != model.MetricsTopic("C1") {
				t.Fatalf("topic = %s", m.Topic)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("router never republished")
		}
	}
}
