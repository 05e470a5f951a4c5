package promrw

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	prompb "github.com/prometheus/prometheus/prompb"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

// Exporter pushes points to a Prometheus Remote Write endpoint. Each metric
// becomes the series <prefix><metric>{site_id, site_type}.
//
// Supported cfg.Extra keys:
//   - prefix: string (default "greengrid_")
//   - timeout: duration (default 10s)
//   - headers: map of extra request headers
type Exporter struct {
	name     string
	endpoint string
	prefix   string
	headers  map[string]string
	client   *http.Client
}

func New(cfg config.ExporterCfg) (*Exporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("promrw exporter: endpoint is required")
	}
	name := cfg.Name
	if name == "" {
		name = "promrw"
	}
	return &Exporter{
		name:     name,
		endpoint: endpoint,
		prefix:   cfg.ExtraString("prefix", "greengrid_"),
		headers:  cfg.ExtraStringMap("headers"),
		client:   &http.Client{Timeout: cfg.ExtraDuration("timeout", 10*time.Second)},
	}, nil
}

func (e *Exporter) Name() string { return e.name }

// Request builds the remote write request for pts. Samples of the same
// series are kept in input order.
func (e *Exporter) Request(pts []model.Point) *prompb.WriteRequest {
	idx := map[string]int{}
	wr := &prompb.WriteRequest{}
	for _, p := range pts {
		name := e.prefix + SanitizeName(p.Metric)
		key := name + "\xff" + p.SiteID + "\xff" + string(p.SiteType)
		i, ok := idx[key]
		if !ok {
			i = len(wr.Timeseries)
			idx[key] = i
			lbls := []prompb.Label{
				{Name: "__name__", Value: name},
				{Name: "site_id", Value: p.SiteID},
				{Name: "site_type", Value: string(p.SiteType)},
			}
			sort.Slice(lbls, func(a, b int) bool { return lbls[a].Name < lbls[b].Name })
			wr.Timeseries = append(wr.Timeseries, prompb.TimeSeries{Labels: lbls})
		}
		wr.Timeseries[i].Samples = append(wr.Timeseries[i].Samples, prompb.Sample{
			Value:     p.Value,
			Timestamp: p.Time.UnixMilli(),
		})
	}
	return wr
}

func (e *Exporter) Write(ctx context.Context, pts []model.Point) error {
	if len(pts) == 0 {
		return nil
	}
	raw, err := e.Request(pts).Marshal()
	if err != nil {
		return fmt.Errorf("promrw marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(snappy.Encode(nil, raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote write HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// SanitizeName maps a metric name onto [a-zA-Z0-9_:], replacing anything
// else with '_' and prefixing a leading digit.
func SanitizeName(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
