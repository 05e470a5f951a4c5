// Package ingest turns processed site messages into points and hands them to
// the configured storage sinks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
	"github.com/noz-co-id/Greengrid-telco/internal/observe"
	"github.com/noz-co-id/Greengrid-telco/internal/transport"
)

// Sink stores points. A failed Write loses that batch; sinks retry
// internally if they want to.
type Sink interface {
	Name() string
	Write(ctx context.Context, pts []model.Point) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// SiteStatus is the last status a site announced.
type SiteStatus struct {
	model.Status
	SeenAt time.Time
}

type Ingestor struct {
	measurement string
	sinks       []Sink
	rec         observe.Recorder
	now         func() time.Time
	timeout     time.Duration

	mu    sync.RWMutex
	sites map[string]SiteStatus
}

func New(measurement string, sinks []Sink, rec observe.Recorder) *Ingestor {
	if rec == nil {
		rec = observe.Noop{}
	}
	if measurement == "" {
		measurement = "telco_metrics"
	}
	return &Ingestor{
		measurement: measurement,
		sinks:       sinks,
		rec:         rec,
		now:         time.Now,
		timeout:     10 * time.Second,
		sites:       map[string]SiteStatus{},
	}
}

// Points expands a processed message into one point per metric. A message
// without a timestamp is stamped with ingestion time.
func (in *Ingestor) Points(p model.Processed) []model.Point {
	ts := p.Timestamp.Time
	if ts.IsZero() {
		ts = in.now().UTC()
	}
	pts := make([]model.Point, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		pts = append(pts, model.Point{
			Measurement: in.measurement,
			SiteID:      p.SiteID,
			SiteType:    p.SiteType,
			Metric:      m.Name,
			Value:       m.Value,
			Time:        ts,
		})
	}
	return pts
}

// HandleMetrics decodes one processed message and writes its points. It
// returns the number of points handed to the sinks.
func (in *Ingestor) HandleMetrics(ctx context.Context, m transport.Message) int {
	p, err := model.DecodeProcessed(m.Payload)
	if err != nil {
		in.rec.IngestMalformed(model.KindMetrics)
		log.Printf("[ingest] warn: skipping message on %s: %v", m.Topic, err)
		return 0
	}
	pts := in.Points(p)
	if len(pts) == 0 {
		return 0
	}
	if err := in.write(ctx, pts); err != nil {
		log.Printf("[ingest] warn: %s: %v", p.SiteID, err)
	}
	return len(pts)
}

// write fans pts out to every sink concurrently, each under its own
// timeout. A failing or hanging sink does not keep the batch from the others.
func (in *Ingestor) write(ctx context.Context, pts []model.Point) error {
	errs := make([]error, len(in.sinks))
	var wg sync.WaitGroup
	for i, s := range in.sinks {
		wg.Add(1)
		go func(i int, s Sink) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, in.timeout)
			defer cancel()
			if err := s.Write(sctx, pts); err != nil {
				in.rec.SinkFailed(s.Name())
				errs[i] = fmt.Errorf("sink %s: %w", s.Name(), err)
				return
			}
			in.rec.PointsWritten(s.Name(), len(pts))
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// HandleStatus records the site's announcement.
func (in *Ingestor) HandleStatus(m transport.Message) {
	st, err := model.DecodeStatus(m.Payload)
	if err != nil {
		in.rec.IngestMalformed(model.KindStatus)
		log.Printf("[ingest] warn: skipping status on %s: %v", m.Topic, err)
		return
	}
	in.mu.Lock()
	in.sites[st.SiteID] = SiteStatus{Status: st, SeenAt: in.now()}
	in.mu.Unlock()
	extra := ""
	if st.HighFrequency {
		extra = fmt.Sprintf(" sampling=%dms", st.SamplingRateMS)
	}
	log.Printf("[ingest] site %s (%s) is %s%s", st.SiteID, st.SiteType, st.Status, extra)
}

// HandleAlert logs the alert as received. Anything that is not JSON is
// dropped.
func (in *Ingestor) HandleAlert(m transport.Message) {
	if !json.Valid(m.Payload) {
		in.rec.IngestMalformed(model.KindAlerts)
		log.Printf("[ingest] warn: dropping non-JSON alert on %s", m.Topic)
		return
	}
	site, _, _ := model.ParseTopic(m.Topic)
	log.Printf("[ingest] alert from %s: %s", site, m.Payload)
}

// Sites returns the last known status of every site, ordered by id.
func (in *Ingestor) Sites() []SiteStatus {
	in.mu.RLock()
	out := make([]SiteStatus, 0, len(in.sites))
	for _, s := range in.sites {
		out = append(out, s)
	}
	in.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out
}

// Run subscribes to processed metrics, status and alerts, connects with b
// and follows connection events until ctx ends. Sinks implementing Closer
// are closed on the way out.
func (in *Ingestor) Run(ctx context.Context, c transport.Client, b transport.Backoff) error {
	defer in.closeSinks()

	subs := []struct {
		filter string
		h      transport.Handler
	}{
		{model.MetricsFilter, func(m transport.Message) { in.HandleMetrics(ctx, m) }},
		{model.StatusFilter, in.HandleStatus},
		{model.AlertsFilter, in.HandleAlert},
	}
	for _, s := range subs {
		if err := c.Subscribe(s.filter, transport.AtLeastOnce, s.h); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(in.sinks))
	for _, s := range in.sinks {
		names = append(names, s.Name())
	}
	log.Printf("[ingest] measurement=%s sinks=%v", in.measurement, names)

	go func() {
		if err := transport.Retry(ctx, b, "ingest", c.Connect); err != nil && ctx.Err() == nil {
			log.Printf("[ingest] warn: giving up on connect: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.Events():
			switch ev.Kind {
			case transport.Connected:
				log.Printf("[ingest] connected")
			case transport.Disconnected:
				log.Printf("[ingest] disconnected: %v", ev.Err)
			}
		}
	}
}

func (in *Ingestor) closeSinks() {
	for _, s := range in.sinks {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				log.Printf("[ingest] warn: close sink %s: %v", s.Name(), err)
			}
		}
	}
}
