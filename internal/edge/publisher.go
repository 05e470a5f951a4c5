// Package edge runs one site's publishing side: the connection state
// machine, the offline buffer and the generation tick.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
	"github.com/noz-co-id/Greengrid-telco/internal/observe"
	"github.com/noz-co-id/Greengrid-telco/internal/source"
	"github.com/noz-co-id/Greengrid-telco/internal/transport"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// BufferPolicy decides what happens to a message that could not be sent.
type BufferPolicy string

const (
	// BufferOnFailure keeps the message for resend after reconnect.
	BufferOnFailure BufferPolicy = "buffer"
	// DropOnFailure discards it; live data from high frequency sites is
	// worthless once stale.
	DropOnFailure BufferPolicy = "drop"
)

func ParseBufferPolicy(s string) (BufferPolicy, error) {
	switch BufferPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", BufferOnFailure:
		return BufferOnFailure, nil
	case DropOnFailure:
		return DropOnFailure, nil
	}
	return "", fmt.Errorf("unknown buffer policy %q", s)
}

// Sender is the publishing half of transport.Client.
type Sender interface {
	Publish(topic string, qos transport.QoS, payload []byte) error
}

// Connector is the connecting half of transport.Client.
type Connector interface {
	Connect(ctx context.Context) error
}

type Config struct {
	SiteID         string
	SiteType       model.SiteType
	Location       model.Location
	Interval       time.Duration
	Delivery       transport.QoS
	BufferCapacity int
	BufferPolicy   BufferPolicy
	HighFrequency  bool
}

// Stats is a consistent view of a publisher. Enqueued always equals
// Buffered + Flushed + Evicted.
type Stats struct {
	State        State
	Buffered     int
	Capacity     int
	Published    uint64
	Enqueued     uint64
	Evicted      uint64
	Dropped      uint64
	Flushed      uint64
	SendFailures uint64
}

// Publisher owns one site. All state and buffer access happens under mu, so
// Run and direct calls from other goroutines may interleave freely.
type Publisher struct {
	cfg    Config
	sender Sender
	src    source.Source
	rec    observe.Recorder
	now    func() time.Time

	mu      sync.Mutex
	state   State
	buf     *Buffer
	stats   Stats
	evictOn bool // an eviction was logged since the last flush
}

func New(cfg Config, sender Sender, src source.Source, rec observe.Recorder) *Publisher {
	if rec == nil {
		rec = observe.Noop{}
	}
	if cfg.BufferPolicy == "" {
		cfg.BufferPolicy = BufferOnFailure
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	p := &Publisher{
		cfg:    cfg,
		sender: sender,
		src:    src,
		rec:    rec,
		now:    time.Now,
		buf:    NewBuffer(cfg.BufferCapacity),
	}
	p.stats.Capacity = p.buf.Cap()
	return p
}

func (p *Publisher) SiteID() string { return p.cfg.SiteID }

func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.State = p.state
	s.Buffered = p.buf.Len()
	return s
}

// Buffered returns the offline buffer contents, oldest first.
func (p *Publisher) Buffered() []BufferedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Entries()
}

// Connect runs the initial connect with backoff. The state stays Connecting
// until the transport reports the session; after that the transport's own
// reconnect takes over. Failures are logged, never returned.
func (p *Publisher) Connect(ctx context.Context, c Connector, b transport.Backoff) {
	p.mu.Lock()
	if p.state == Disconnected {
		p.state = Connecting
	}
	p.mu.Unlock()

	err := transport.Retry(ctx, b, "edge:"+p.cfg.SiteID, c.Connect)
	if err == nil {
		return
	}
	p.mu.Lock()
	if p.state == Connecting {
		p.state = Disconnected
	}
	p.mu.Unlock()
	if ctx.Err() == nil {
		log.Printf("[edge:%s] warn: giving up on initial connect: %v", p.cfg.SiteID, err)
	}
}

// OnConnectionEstablished announces the site and resends buffered messages.
// A second call while already connected is a no-op.
func (p *Publisher) OnConnectionEstablished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Connected {
		return
	}
	p.state = Connected
	p.rec.EdgeConnected(p.cfg.SiteID, true)
	log.Printf("[edge:%s] connected (%d buffered)", p.cfg.SiteID, p.buf.Len())

	if !p.announceLocked() {
		return
	}
	p.flushLocked()
}

// OnConnectionLost marks the site offline. The buffer is left alone.
func (p *Publisher) OnConnectionLost(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Disconnected {
		return
	}
	p.disconnectLocked(err)
}

// Publish sends one snapshot, or holds it according to the buffer policy
// when the site is offline or the send fails. While connected, entries
// left behind by an earlier failed send are flushed first; if any remain
// the snapshot queues behind them so delivery stays in tick order.
func (p *Publisher) Publish(s model.Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		log.Printf("[edge:%s] warn: encode snapshot: %v", p.cfg.SiteID, err)
		return
	}
	topic := model.RawTopic(p.cfg.SiteID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Connected && p.buf.Len() > 0 {
		p.flushLocked()
	}
	if p.state == Connected && p.buf.Len() == 0 {
		err := p.sender.Publish(topic, p.cfg.Delivery, payload)
		if err == nil {
			p.stats.Published++
			p.rec.EdgePublished(p.cfg.SiteID)
			return
		}
		p.stats.SendFailures++
		log.Printf("[edge:%s] warn: publish failed: %v", p.cfg.SiteID, err)
		if errors.Is(err, transport.ErrNotConnected) {
			p.disconnectLocked(err)
		}
	}
	p.holdLocked(BufferedMessage{Topic: topic, Payload: payload, EnqueuedAt: p.now()})
}

// Run drives the site until ctx ends: every tick samples the source and
// publishes, every transport event moves the state machine. Buffered
// messages are not drained on exit.
func (p *Publisher) Run(ctx context.Context, events <-chan transport.Event) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	log.Printf("[edge:%s] started type=%s interval=%s delivery=%s buffer=%s/%d",
		p.cfg.SiteID, p.cfg.SiteType, p.cfg.Interval, p.cfg.Delivery, p.cfg.BufferPolicy, p.buf.Cap())

	for {
		select {
		case <-ctx.Done():
			log.Printf("[edge:%s] stopped (%d buffered messages discarded)", p.cfg.SiteID, p.Stats().Buffered)
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case transport.Connected:
				p.OnConnectionEstablished()
			case transport.Disconnected:
				p.OnConnectionLost(ev.Err)
			}
		case now := <-t.C:
			p.Tick(now)
		}
	}
}

// Tick samples the source once and publishes the snapshot.
func (p *Publisher) Tick(now time.Time) {
	if p.src == nil {
		return
	}
	loc := p.cfg.Location
	p.Publish(model.Snapshot{
		SiteID:    p.cfg.SiteID,
		SiteType:  p.cfg.SiteType,
		Location:  &loc,
		Timestamp: model.NewTime(now),
		Metrics:   p.src.Sample(now),
	})
}

func (p *Publisher) disconnectLocked(err error) {
	p.state = Disconnected
	p.rec.EdgeConnected(p.cfg.SiteID, false)
	if err != nil {
		log.Printf("[edge:%s] disconnected: %v", p.cfg.SiteID, err)
	} else {
		log.Printf("[edge:%s] disconnected", p.cfg.SiteID)
	}
}

func (p *Publisher) holdLocked(m BufferedMessage) {
	if p.cfg.BufferPolicy == DropOnFailure {
		p.stats.Dropped++
		p.rec.EdgeDropped(p.cfg.SiteID)
		return
	}
	p.stats.Enqueued++
	if _, evicted := p.buf.Push(m); evicted {
		p.stats.Evicted++
		p.rec.EdgeEvicted(p.cfg.SiteID)
		if !p.evictOn {
			p.evictOn = true
			log.Printf("[edge:%s] warn: offline buffer full (%d), evicting oldest messages", p.cfg.SiteID, p.buf.Cap())
		}
	}
	p.rec.EdgeBuffered(p.cfg.SiteID, p.buf.Len())
}

// announceLocked publishes the status message. It reports false when the
// session turned out to be gone, in which case flushing is pointless.
func (p *Publisher) announceLocked() bool {
	st := model.Status{
		SiteID:    p.cfg.SiteID,
		SiteType:  p.cfg.SiteType,
		Status:    model.StatusOnline,
		Location:  p.cfg.Location,
		Timestamp: model.NewTime(p.now()),
	}
	if p.cfg.HighFrequency {
		st.HighFrequency = true
		st.SamplingRateMS = int(p.cfg.Interval / time.Millisecond)
	}
	payload, err := json.Marshal(st)
	if err != nil {
		log.Printf("[edge:%s] warn: encode status: %v", p.cfg.SiteID, err)
		return true
	}
	if err := p.sender.Publish(model.StatusTopic(p.cfg.SiteID), transport.AtLeastOnce, payload); err != nil {
		p.stats.SendFailures++
		log.Printf("[edge:%s] warn: status publish failed: %v", p.cfg.SiteID, err)
		if errors.Is(err, transport.ErrNotConnected) {
			p.disconnectLocked(err)
			return false
		}
	}
	return true
}

// flushLocked resends buffered messages oldest first. An entry leaves the
// buffer only after its send succeeded, so the first failure stops the flush
// with that entry still at the head.
func (p *Publisher) flushLocked() {
	n := 0
	for {
		m, ok := p.buf.Peek()
		if !ok {
			break
		}
		if err := p.sender.Publish(m.Topic, p.cfg.Delivery, m.Payload); err != nil {
			p.stats.SendFailures++
			log.Printf("[edge:%s] warn: flush interrupted after %d, %d remain: %v", p.cfg.SiteID, n, p.buf.Len(), err)
			if errors.Is(err, transport.ErrNotConnected) {
				p.disconnectLocked(err)
			}
			break
		}
		p.buf.Pop()
		n++
	}
	if n > 0 {
		p.stats.Flushed += uint64(n)
		p.rec.EdgeFlushed(p.cfg.SiteID, n)
		log.Printf("[edge:%s] flushed %d buffered messages", p.cfg.SiteID, n)
	}
	if p.buf.Len() == 0 {
		p.evictOn = false
	}
	p.rec.EdgeBuffered(p.cfg.SiteID, p.buf.Len())
}
