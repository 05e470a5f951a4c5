package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewDefaults(t *testing.T) {
	exp, err := New(config.ExporterCfg{Endpoint: "k1:9092,k2:9092"})
	if err != nil {
		t.Fatal(err)
	}
	w := exp.writer.(*kafkago.Writer)
	if w.Topic != "greengrid.metrics" || w.RequiredAcks != kafkago.RequireOne || w.BatchSize != 100 {
		t.Fatalf("writer = %+v", w)
	}
	if w.Addr == nil || w.Balancer == nil {
		t.Fatalf("writer not wired: %+v", w)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(config.ExporterCfg{}); err == nil {
		t.Fatal("expected missing brokers error")
	}
	if _, err := New(config.ExporterCfg{Endpoint: "k:9092", Extra: map[string]any{"acks": "some"}}); err == nil {
		t.Fatal("expected acks error")
	}
	exp, err := New(config.ExporterCfg{Extra: map[string]any{"brokers": []any{"k:9092"}, "acks": "all", "topic": "t", "batch_size": 500}})
	if err != nil {
		t.Fatal(err)
	}
	if w := exp.writer.(*kafkago.Writer); w.RequiredAcks != kafkago.RequireAll || w.Topic != "t" || w.BatchSize != 500 {
		t.Fatalf("writer = %+v", w)
	}
}

func TestMessagesKeyedBySite(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := Messages([]model.Point{
		{SiteID: "C1", SiteType: model.SiteCell, Metric: "battery_soc", Value: 50, Time: at},
		{SiteID: "C1", SiteType: model.SiteCell, Metric: "bad", Value: math.Inf(1), Time: at},
	})
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if string(m.Key) != "C1" || !m.Time.Equal(at) || string(m.Headers[0].Value) != "CELL" {
		t.Fatalf("message = %+v", m)
	}
	var p model.Point
	if err := json.Unmarshal(m.Value, &p); err != nil || p.Metric != "battery_soc" || p.Value != 50 {
		t.Fatalf("value = %s (%v)", m.Value, err)
	}
}

func TestWriteAndClose(t *testing.T) {
	fw := &fakeWriter{}
	exp := &Exporter{name: "kafka", writer: fw}
	if err := exp.Write(context.Background(), []model.Point{{SiteID: "A", Metric: "x", Value: 1}}); err != nil {
		t.Fatal(err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("writes = %d", len(fw.msgs))
	}
	fw.err = errors.New("leader not available")
	if err := exp.Write(context.Background(), []model.Point{{SiteID: "A", Metric: "x", Value: 1}}); err == nil {
		t.Fatal("expected write error")
	}
	_ = exp.Close()
	if !fw.closed {
		t.Fatal("writer not closed")
	}
}
