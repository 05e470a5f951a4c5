// Package router filters raw site snapshots by site type and republishes the
// reduced payload on the site's processed topic.
package router

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
	"github.com/noz-co-id/Greengrid-telco/internal/observe"
	"github.com/noz-co-id/Greengrid-telco/internal/transport"
)

// Publisher is the sending half of transport.Client.
type Publisher interface {
	Publish(topic string, qos transport.QoS, payload []byte) error
}

type Config struct {
	Rules    Rules
	Delivery transport.QoS
	// Admit is an optional CEL expression; empty admits everything.
	Admit string
}

// Router handles one raw message at a time. Handle keeps no per-message
// state, so it is safe to call from several subscriptions.
type Router struct {
	rules    Rules
	gate     *Gate
	delivery transport.QoS
	pub      Publisher
	rec      observe.Recorder
	now      func() time.Time

	mu     sync.Mutex
	warned map[model.SiteType]bool
}

func New(cfg Config, pub Publisher, rec observe.Recorder) *Router {
	if rec == nil {
		rec = observe.Noop{}
	}
	if cfg.Rules.bySite == nil {
		cfg.Rules = DefaultRules()
	}
	return &Router{
		rules:    cfg.Rules,
		gate:     NewGate(cfg.Admit),
		delivery: cfg.Delivery,
		pub:      pub,
		rec:      rec,
		now:      time.Now,
		warned:   map[model.SiteType]bool{},
	}
}

// Handle filters and republishes one raw message and reports the outcome
// label it recorded. Failures are logged and counted, never returned.
func (r *Router) Handle(m transport.Message) string {
	start := r.now()

	s, err := model.DecodeSnapshot(m.Payload)
	if err != nil {
		log.Printf("[router] warn: dropping message on %s: %v", m.Topic, err)
		return r.record("", observe.StatusMalformed, start)
	}

	if !r.gate.Admit(m.Topic, s, start) {
		return r.record(s.SiteType, observe.StatusRejected, start)
	}

	rule, known, drop := r.rules.Lookup(s.SiteType)
	status := observe.StatusFiltered
	if !known {
		r.warnUnknown(s.SiteType)
		status = observe.StatusFallback
		if drop {
			return r.record(s.SiteType, observe.StatusDropped, start)
		}
	}

	out := model.Processed{
		Snapshot:     s.WithMetrics(rule.Apply(s.Metrics)),
		FilteredAt:   model.NewTime(r.now()),
		SampleRateMS: rule.SampleRateMS,
	}
	payload, err := json.Marshal(out)
	if err != nil {
		log.Printf("[router] warn: encode %s: %v", s.SiteID, err)
		return r.record(s.SiteType, observe.StatusPublishError, start)
	}
	if err := r.pub.Publish(model.MetricsTopic(s.SiteID), r.delivery, payload); err != nil {
		log.Printf("[router] warn: republish %s: %v", s.SiteID, err)
		return r.record(s.SiteType, observe.StatusPublishError, start)
	}
	return r.record(s.SiteType, status, start)
}

func (r *Router) record(st model.SiteType, status string, start time.Time) string {
	r.rec.MessageRouted(string(st), status, r.now().Sub(start))
	return status
}

func (r *Router) warnUnknown(st model.SiteType) {
	r.mu.Lock()
	first := !r.warned[st]
	r.warned[st] = true
	r.mu.Unlock()
	if first {
		log.Printf("[router] warn: no filter rule for site type %q, applying fallback=%s", st, r.rules.Fallback())
	}
}

// Run subscribes to every site's raw topic, connects with b and then follows
// connection events until ctx ends. The transport resubscribes on reconnect.
func (r *Router) Run(ctx context.Context, c transport.Client, b transport.Backoff) error {
	if err := c.Subscribe(model.RawFilter, transport.AtLeastOnce, func(m transport.Message) { r.Handle(m) }); err != nil {
		return err
	}
	log.Printf("[router] rules=%d fallback=%s admit=%q delivery=%s", r.rules.Len(), r.rules.Fallback(), r.gate.Expr(), r.delivery)

	go func() {
		if err := transport.Retry(ctx, b, "router", c.Connect); err != nil && ctx.Err() == nil {
			log.Printf("[router] warn: giving up on connect: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.Events():
			switch ev.Kind {
			case transport.Connected:
				log.Printf("[router] connected, listening on %s", model.RawFilter)
			case transport.Disconnected:
				log.Printf("[router] disconnected: %v", ev.Err)
			}
		}
	}
}
