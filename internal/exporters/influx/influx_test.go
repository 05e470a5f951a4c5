package influx

import (
	"context"
	"io"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

var ts = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func pt(site, metric string, v float64, at time.Time) model.Point {
	return model.Point{Measurement: "telco_metrics", SiteID: site, SiteType: model.SiteCell, Metric: metric, Value: v, Time: at}
}

func TestNewBuildsWriteURL(t *testing.T) {
	exp, err := New(config.ExporterCfg{Endpoint: "http://influx:8086/", Extra: map[string]any{"org": "noz", "bucket": "b1"}})
	if err != nil {
		t.Fatal(err)
	}
	want := "http://influx:8086/api/v2/write?bucket=b1&org=noz&precision=ns"
	if exp.writeURL != want {
		t.Fatalf("writeURL = %q, want %q", exp.writeURL, want)
	}
	if exp.Name() != "influx" {
		t.Fatalf("name = %q", exp.Name())
	}
}

func TestEncodeGroupsFieldsPerLine(t *testing.T) {
	later := ts.Add(time.Second)
	b, err := Encode([]model.Point{
		pt("C1", "battery_soc", 50, ts),
		pt("C1", "power_kw", 9.8, ts),
		pt("C1", "battery_soc", 49.5, later),
		pt("C2", "battery_soc", 80, later),
	})
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	want := "" +
		"telco_metrics,site_id=C1,site_type=CELL battery_soc=50,power_kw=9.8 1709287200000000000\n" +
		"telco_metrics,site_id=C1,site_type=CELL battery_soc=49.5 1709287201000000000\n" +
		"telco_metrics,site_id=C2,site_type=CELL battery_soc=80 1709287201000000000\n"
	if got != want {
		t.Fatalf("got\n%s\nwant\n%s", got, want)
	}
}

func TestEncodeEscapes(t *testing.T) {
	p := pt("site 1,a=b", "m x", 1, ts)
	p.Measurement = "my meas"
	b, err := Encode([]model.Point{p})
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	want := `my\ meas,site_id=site\ 1\,a\=b,site_type=CELL m\ x=1 1709287200000000000` + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncodeRejectsNewlinesInNames(t *testing.T) {
	evil := pt("C1", "battery_soc=1 0\ntelco_metrics,site_id=VICTIM,site_type=CELL battery", 1, ts)
	badSite := pt("C9\nx", "temp_c", 1, ts)
	b, err := Encode([]model.Point{
		evil,
		pt("C1", "power_kw", 9.8, ts),
		badSite,
		pt("C1", "fuel", math.NaN(), ts.Add(time.Second)),
	})
	if err == nil {
		t.Fatal("expected an encoding error for the rejected points")
	}
	got := string(b)
	if strings.Contains(got, "VICTIM") || strings.Contains(got, "C9") {
		t.Fatalf("injected line rendered: %q", got)
	}
	want := "telco_metrics,site_id=C1,site_type=CELL power_kw=9.8 1709287200000000000\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteSkipsUnencodablePoints(t *testing.T) {
	var body string
	exp, _ := New(config.ExporterCfg{})
	exp.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Header: make(http.Header)}, nil
	})}
	if err := exp.Write(context.Background(), []model.Point{pt("C1\n", "x", 1, ts), pt("C2", "x", 2, ts)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.Count(body, "\n") != 1 || !strings.HasPrefix(body, "telco_metrics,site_id=C2") {
		t.Fatalf("body = %q", body)
	}

	exp.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected when nothing encodes")
		return nil, nil
	})}
	if err := exp.Write(context.Background(), []model.Point{pt("C1\n", "x", 1, ts)}); err == nil {
		t.Fatal("expected encoding error")
	}
}

func TestWritePostsLineProtocol(t *testing.T) {
	var body, auth, path string
	exp, _ := New(config.ExporterCfg{Endpoint: "http://influx:8086", Extra: map[string]any{"token": "secret"}})
	exp.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(r.Body)
		body, auth, path = string(b), r.Header.Get("Authorization"), r.URL.Path
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Header: make(http.Header)}, nil
	})}

	if err := exp.Write(context.Background(), []model.Point{pt("C1", "x", 1, ts)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if path != "/api/v2/write" || auth != "Token secret" {
		t.Fatalf("path=%q auth=%q", path, auth)
	}
	if !strings.HasPrefix(body, "telco_metrics,site_id=C1") {
		t.Fatalf("body = %q", body)
	}
}

func TestWritePropagatesHTTPError(t *testing.T) {
	exp, _ := New(config.ExporterCfg{})
	exp.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadRequest,
			Body:       io.NopCloser(strings.NewReader("unable to parse")),
			Header:     make(http.Header),
		}, nil
	})}
	err := exp.Write(context.Background(), []model.Point{pt("C1", "x", 1, ts)})
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "unable to parse") {
		t.Fatalf("expected HTTP 400 error, got %v", err)
	}
}

func TestWriteEmptyIsNoop(t *testing.T) {
	exp, _ := New(config.ExporterCfg{})
	exp.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})}
	if err := exp.Write(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}
