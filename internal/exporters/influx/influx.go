package influx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

// Exporter writes points to InfluxDB v2 /api/v2/write as line protocol.
// Points of one site sharing a timestamp become a single line with one field
// per metric.
//
// Supported cfg.Extra keys:
//   - org: string (default "greengrid")
//   - bucket: string (default "telco_metrics")
//   - token: string, sent as "Authorization: Token <token>"
//   - timeout: duration (default 10s)
type Exporter struct {
	name     string
	writeURL string
	token    string
	client   *http.Client
}

func New(cfg config.ExporterCfg) (*Exporter, error) {
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = "http://localhost:8086"
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("influx exporter: endpoint: %w", err)
	}
	q := url.Values{}
	q.Set("org", cfg.ExtraString("org", "greengrid"))
	q.Set("bucket", cfg.ExtraString("bucket", "telco_metrics"))
	q.Set("precision", "ns")

	name := cfg.Name
	if name == "" {
		name = "influx"
	}
	return &Exporter{
		name:     name,
		writeURL: endpoint + "/api/v2/write?" + q.Encode(),
		token:    cfg.ExtraString("token", ""),
		client:   &http.Client{Timeout: cfg.ExtraDuration("timeout", 10*time.Second)},
	}, nil
}

func (e *Exporter) Name() string { return e.name }

func (e *Exporter) Write(ctx context.Context, pts []model.Point) error {
	if len(pts) == 0 {
		return nil
	}
	body, encErr := Encode(pts)
	if len(body) == 0 {
		return encErr
	}
	if encErr != nil {
		log.Printf("[influx-exporter:%s] warn: skipped points: %v", e.name, encErr)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.writeURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if e.token != "" {
		req.Header.Set("Authorization", "Token "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("influx HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Encode renders pts as line protocol, merging consecutive points of the
// same series and timestamp into one line. A point whose names or value
// cannot be encoded is dropped and reported in the returned error; the
// rest of the batch is still rendered.
func Encode(pts []model.Point) ([]byte, error) {
	var (
		out  bytes.Buffer
		errs []error
	)
	for i := 0; i < len(pts); {
		j := i + 1
		for j < len(pts) && sameLine(pts[j], pts[i]) {
			j++
		}
		line, err := encodeLine(pts[i:j])
		if err != nil && j-i > 1 {
			// Isolate the offending points so their neighbours survive.
			for _, p := range pts[i:j] {
				one, err := encodeLine([]model.Point{p})
				if err != nil {
					errs = append(errs, err)
					continue
				}
				out.Write(one)
			}
		} else if err != nil {
			errs = append(errs, err)
		} else {
			out.Write(line)
		}
		i = j
	}
	return out.Bytes(), errors.Join(errs...)
}

// encodeLine writes pts, which share a series and timestamp, as one line.
// Tags must be added in key order.
func encodeLine(pts []model.Point) ([]byte, error) {
	p := pts[0]
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)
	enc.StartLine(orUnknown(p.Measurement))
	enc.AddTag("site_id", orUnknown(p.SiteID))
	enc.AddTag("site_type", orUnknown(string(p.SiteType)))
	for _, f := range pts {
		v, ok := lineprotocol.FloatValue(f.Value)
		if !ok {
			return nil, fmt.Errorf("%s/%s: value %v is not representable", p.SiteID, f.Metric, f.Value)
		}
		enc.AddField(orUnknown(f.Metric), v)
	}
	enc.EndLine(p.Time)
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", p.SiteID, err)
	}
	return enc.Bytes(), nil
}

func sameLine(a, b model.Point) bool {
	return a.Measurement == b.Measurement && a.SiteID == b.SiteID && a.SiteType == b.SiteType && a.Time.Equal(b.Time)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
