package otlpgrpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	collmet "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

const scopeName = "greengrid-relay"

// Exporter sends points as OTLP gauges to a collector over gRPC. Every site
// becomes one resource carrying site.id and site.type.
//
// Supported cfg.Extra keys:
//   - insecure: bool (default true)
//   - compression: "gzip" | "" (default "")
//   - headers: map sent as gRPC metadata
//   - resource: map of extra resource attributes
//   - timeout: duration (default 10s)
type Exporter struct {
	name     string
	endpoint string
	opts     []grpc.DialOption
	headers  map[string]string
	resource map[string]string
	timeout  time.Duration

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client collmet.MetricsServiceClient
}

func New(cfg config.ExporterCfg) (*Exporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	name := cfg.Name
	if name == "" {
		name = "otlpgrpc"
	}

	var opts []grpc.DialOption
	if cfg.ExtraBool("insecure", true) {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	switch c := cfg.ExtraString("compression", ""); c {
	case "":
	case gzip.Name:
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)))
	default:
		return nil, fmt.Errorf("otlpgrpc exporter: unsupported compression %q", c)
	}

	return &Exporter{
		name:     name,
		endpoint: endpoint,
		opts:     opts,
		headers:  cfg.ExtraStringMap("headers"),
		resource: cfg.ExtraStringMap("resource"),
		timeout:  cfg.ExtraDuration("timeout", 10*time.Second),
	}, nil
}

func (e *Exporter) Name() string { return e.name }

func (e *Exporter) dial() (collmet.MetricsServiceClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	conn, err := grpc.NewClient(e.endpoint, e.opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp dial %s: %w", e.endpoint, err)
	}
	e.conn = conn
	e.client = collmet.NewMetricsServiceClient(conn)
	return e.client, nil
}

func (e *Exporter) Write(ctx context.Context, pts []model.Point) error {
	if len(pts) == 0 {
		return nil
	}
	client, err := e.dial()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if len(e.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(e.headers))
	}
	resp, err := client.Export(ctx, e.Request(pts))
	if err != nil {
		return err
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedDataPoints() > 0 {
		return fmt.Errorf("otlp: %d data points rejected: %s", ps.GetRejectedDataPoints(), ps.GetErrorMessage())
	}
	return nil
}

func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn, e.client = nil, nil
	return err
}

// Request converts pts into an export request. Resources follow the order
// sites first appear in; metrics within a resource follow first appearance
// of each name.
func (e *Exporter) Request(pts []model.Point) *collmet.ExportMetricsServiceRequest {
	type siteKey struct {
		id string
		st model.SiteType
	}
	var (
		order   []siteKey
		bySite  = map[siteKey]*metricspb.ScopeMetrics{}
		metricI = map[siteKey]map[string]int{}
	)
	for _, p := range pts {
		k := siteKey{p.SiteID, p.SiteType}
		sm, ok := bySite[k]
		if !ok {
			sm = &metricspb.ScopeMetrics{Scope: &commonpb.InstrumentationScope{Name: scopeName}}
			bySite[k] = sm
			metricI[k] = map[string]int{}
			order = append(order, k)
		}
		i, ok := metricI[k][p.Metric]
		if !ok {
			i = len(sm.Metrics)
			metricI[k][p.Metric] = i
			sm.Metrics = append(sm.Metrics, &metricspb.Metric{
				Name: p.Metric,
				Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{}},
			})
		}
		g := sm.Metrics[i].GetGauge()
		g.DataPoints = append(g.DataPoints, &metricspb.NumberDataPoint{
			TimeUnixNano: uint64(p.Time.UnixNano()),
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: p.Value},
		})
	}

	req := &collmet.ExportMetricsServiceRequest{}
	for _, k := range order {
		req.ResourceMetrics = append(req.ResourceMetrics, &metricspb.ResourceMetrics{
			Resource:     &resourcepb.Resource{Attributes: e.attributes(k.id, k.st)},
			ScopeMetrics: []*metricspb.ScopeMetrics{bySite[k]},
		})
	}
	return req
}

func (e *Exporter) attributes(siteID string, st model.SiteType) []*commonpb.KeyValue {
	attrs := []*commonpb.KeyValue{
		strAttr("site.id", siteID),
		strAttr("site.type", string(st)),
	}
	keys := make([]string, 0, len(e.resource))
	for k := range e.resource {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, strAttr(k, e.resource[k]))
	}
	return attrs
}

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}
