package promrw

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	prompb "github.com/prometheus/prometheus/prompb"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"battery_soc":  "battery_soc",
		"temp.inlet-1": "temp_inlet_1",
		"5g_ues":       "_5g_ues",
		"a:b":          "a:b",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(config.ExporterCfg{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestRequestGroupsSeries(t *testing.T) {
	exp, _ := New(config.ExporterCfg{Endpoint: "http://x/api/v1/write"})
	t0 := time.UnixMilli(1_700_000_000_000)
	wr := exp.Request([]model.Point{
		{SiteID: "C1", SiteType: model.SiteCell, Metric: "battery_soc", Value: 50, Time: t0},
		{SiteID: "C1", SiteType: model.SiteCell, Metric: "power_kw", Value: 9.8, Time: t0},
		{SiteID: "C1", SiteType: model.SiteCell, Metric: "battery_soc", Value: 49, Time: t0.Add(time.Second)},
	})
	if len(wr.Timeseries) != 2 {
		t.Fatalf("series = %d, want 2", len(wr.Timeseries))
	}
	ts := wr.Timeseries[0]
	if ts.Labels[0].Name != "__name__" || ts.Labels[0].Value != "greengrid_battery_soc" {
		t.Fatalf("labels = %+v", ts.Labels)
	}
	if ts.Labels[1].Name != "site_id" || ts.Labels[2].Name != "site_type" || ts.Labels[2].Value != "CELL" {
		t.Fatalf("labels = %+v", ts.Labels)
	}
	if len(ts.Samples) != 2 || ts.Samples[0].Timestamp != 1_700_000_000_000 || ts.Samples[1].Value != 49 {
		t.Fatalf("samples = %+v", ts.Samples)
	}
}

func TestWriteSendsSnappyProtobuf(t *testing.T) {
	got := make(chan *prompb.WriteRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "snappy" || r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var wr prompb.WriteRequest
		if err := wr.Unmarshal(raw); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- &wr
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exp, err := New(config.ExporterCfg{Endpoint: srv.URL, Extra: map[string]any{
		"prefix":  "gg_",
		"headers": map[string]any{"X-Api-Key": "k"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	err = exp.Write(context.Background(), []model.Point{{SiteID: "D1", SiteType: model.SiteDatacenter, Metric: "pue", Value: 1.4, Time: time.Now()}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	wr := <-got
	if len(wr.Timeseries) != 1 || wr.Timeseries[0].Labels[0].Value != "gg_pue" {
		t.Fatalf("request = %+v", wr)
	}
}

func TestWritePropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of order", http.StatusBadRequest)
	}))
	defer srv.Close()
	exp, _ := New(config.ExporterCfg{Endpoint: srv.URL})
	if err := exp.Write(context.Background(), []model.Point{{Metric: "x", Time: time.Now()}}); err == nil {
		t.Fatal("expected error")
	}
}
