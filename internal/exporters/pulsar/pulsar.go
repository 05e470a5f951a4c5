package pulsar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	ps "github.com/apache/pulsar-client-go/pulsar"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

type producer interface {
	Send(ctx context.Context, msg *ps.ProducerMessage) (ps.MessageID, error)
	Flush() error
	Close()
}

var errClosed = errors.New("pulsar exporter: closed")

// Exporter produces one JSON message per point to a Pulsar topic. The client
// and producer are created in the background on the first Write so a broker
// that is down or slow at startup does not keep the ingestor from running.
// A Write waits for that dial only as long as its context allows.
//
// Config mapping:
//   - Endpoint => serviceURL (pulsar://host:6650, pulsar+ssl://host:6651)
//   - Extra:
//     topic: string (default "persistent://public/default/greengrid-metrics")
//     auth_token: string
//     auth_token_file: string (used when auth_token is empty)
//     tls_allow_insecure: bool
//     tls_trust_certs_file: string
//     operation_timeout: duration (default 30s)
type Exporter struct {
	name    string
	topic   string
	options ps.ClientOptions

	mu       sync.Mutex
	client   ps.Client
	producer producer
	pending  *dialing
	closed   bool
	connect  func() (ps.Client, producer, error)
}

// dialing is one in-flight connect shared by every Write waiting on it.
type dialing struct {
	done chan struct{}
	err  error
}

func New(cfg config.ExporterCfg) (*Exporter, error) {
	svc := strings.TrimSpace(cfg.Endpoint)
	if svc == "" {
		return nil, errors.New("pulsar exporter: missing serviceURL")
	}
	name := cfg.Name
	if name == "" {
		name = "pulsar"
	}
	opts := ps.ClientOptions{
		URL:                        svc,
		OperationTimeout:           cfg.ExtraDuration("operation_timeout", 30*time.Second),
		TLSAllowInsecureConnection: cfg.ExtraBool("tls_allow_insecure", false),
		TLSTrustCertsFilePath:      cfg.ExtraString("tls_trust_certs_file", ""),
	}
	if tok := cfg.ExtraString("auth_token", ""); tok != "" {
		opts.Authentication = ps.NewAuthenticationToken(tok)
	} else if f := cfg.ExtraString("auth_token_file", ""); f != "" {
		opts.Authentication = ps.NewAuthenticationTokenFromFile(f)
	}

	e := &Exporter{
		name:    name,
		topic:   cfg.ExtraString("topic", "persistent://public/default/greengrid-metrics"),
		options: opts,
	}
	e.connect = e.dial
	return e, nil
}

func (e *Exporter) Name() string { return e.name }

func (e *Exporter) dial() (ps.Client, producer, error) {
	client, err := ps.NewClient(e.options)
	if err != nil {
		return nil, nil, err
	}
	p, err := client.CreateProducer(ps.ProducerOptions{Topic: e.topic})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	log.Printf("[pulsar-exporter:%s] producing topic=%s url=%s", e.name, e.topic, e.options.URL)
	return client, p, nil
}

func (e *Exporter) ensure(ctx context.Context) (producer, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errClosed
	}
	if e.producer != nil {
		p := e.producer
		e.mu.Unlock()
		return p, nil
	}
	d := e.pending
	if d == nil {
		d = &dialing{done: make(chan struct{})}
		e.pending = d
		go e.runDial(d)
	}
	e.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("pulsar: producer not ready: %w", ctx.Err())
	}
	if d.err != nil {
		return nil, d.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.producer == nil {
		return nil, errClosed
	}
	return e.producer, nil
}

func (e *Exporter) runDial(d *dialing) {
	c, p, err := e.connect()
	e.mu.Lock()
	e.pending = nil
	switch {
	case err != nil:
		d.err = err
		log.Printf("[pulsar-exporter:%s] warn: connect %s: %v", e.name, e.options.URL, err)
	case e.closed:
		p.Close()
		if c != nil {
			c.Close()
		}
		d.err = errClosed
	default:
		e.client, e.producer = c, p
	}
	e.mu.Unlock()
	close(d.done)
}

// Message builds the producer message for one point.
func Message(p model.Point) (*ps.ProducerMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &ps.ProducerMessage{
		Payload:   b,
		Key:       p.SiteID,
		EventTime: p.Time,
		Properties: map[string]string{
			"site_type": string(p.SiteType),
			"metric":    p.Metric,
		},
	}, nil
}

func (e *Exporter) Write(ctx context.Context, pts []model.Point) error {
	if len(pts) == 0 {
		return nil
	}
	p, err := e.ensure(ctx)
	if err != nil {
		return err
	}
	for _, pt := range pts {
		msg, err := Message(pt)
		if err != nil {
			log.Printf("[pulsar-exporter:%s] warn: %s/%s: %v", e.name, pt.SiteID, pt.Metric, err)
			continue
		}
		if _, err := p.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	var err error
	if e.producer != nil {
		err = e.producer.Flush()
		e.producer.Close()
		e.producer = nil
	}
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	return err
}
