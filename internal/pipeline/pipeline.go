package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/edge"
	"github.com/noz-co-id/Greengrid-telco/internal/ingest"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
	"github.com/noz-co-id/Greengrid-telco/internal/observe"
	"github.com/noz-co-id/Greengrid-telco/internal/router"
	"github.com/noz-co-id/Greengrid-telco/internal/source"
	"github.com/noz-co-id/Greengrid-telco/internal/transport"
)

// Role selects which parts of the relay a process runs.
type Role string

const (
	RoleEdge     Role = "edge"
	RoleRouter   Role = "router"
	RoleIngestor Role = "ingestor"
)

// ParseRoles reads a comma separated role list; "all" or "" selects every role.
func ParseRoles(s string) (map[Role]bool, error) {
	out := map[Role]bool{}
	for _, part := range strings.Split(s, ",") {
		switch r := Role(strings.ToLower(strings.TrimSpace(part))); r {
		case "", "all":
			out[RoleEdge], out[RoleRouter], out[RoleIngestor] = true, true, true
		case RoleEdge, RoleRouter, RoleIngestor:
			out[r] = true
		default:
			return nil, fmt.Errorf("unknown role %q (want edge, router, ingestor or all)", part)
		}
	}
	return out, nil
}

// Dialer returns a fresh, unconnected client for clientID.
type Dialer func(clientID string) transport.Client

// NewDialer picks the in-process broker for memory:// and MQTT otherwise.
// Every client of one memory dialer shares the same broker.
func NewDialer(cfg *config.Config) Dialer {
	if cfg.IsMemoryBroker() {
		broker := transport.NewMemory()
		return func(id string) transport.Client { return broker.Client(id) }
	}
	b := cfg.Broker
	return func(id string) transport.Client {
		return transport.NewMQTT(transport.MQTTOptions{
			URL:                  b.URL,
			ClientID:             id,
			Username:             b.Username,
			Password:             b.Password,
			ConnectTimeout:       b.ConnectTimeout,
			KeepAlive:            b.KeepAlive,
			MaxReconnectInterval: b.MaxReconnectInterval,
			PublishTimeout:       b.PublishTimeout,
		})
	}
}

func Backoff(rc config.RetryCfg) transport.Backoff {
	return transport.Backoff{
		Initial:     rc.Initial,
		Max:         rc.Max,
		Multiplier:  rc.Multiplier,
		Jitter:      rc.Jitter,
		MaxAttempts: rc.MaxAttempts,
	}
}

// SiteConfig converts a validated site entry.
func SiteConfig(s config.SiteCfg) (edge.Config, error) {
	qos, err := transport.ParseQoS(s.Delivery)
	if err != nil {
		return edge.Config{}, fmt.Errorf("site %s: %w", s.ID, err)
	}
	policy, err := edge.ParseBufferPolicy(s.BufferPolicy)
	if err != nil {
		return edge.Config{}, fmt.Errorf("site %s: %w", s.ID, err)
	}
	hf := false
	if s.HighFrequency != nil {
		hf = *s.HighFrequency
	}
	return edge.Config{
		SiteID:         s.ID,
		SiteType:       model.SiteType(s.Type).Normalize(),
		Location:       model.Location{Lat: s.Location.Lat, Lon: s.Location.Lon},
		Interval:       s.Interval,
		Delivery:       qos,
		BufferCapacity: s.BufferCapacity,
		BufferPolicy:   policy,
		HighFrequency:  hf,
	}, nil
}

// RouterConfig layers the configured rules over the default table.
func RouterConfig(rc config.RouterCfg) (router.Config, error) {
	qos, err := transport.ParseQoS(rc.Delivery)
	if err != nil {
		return router.Config{}, fmt.Errorf("router: %w", err)
	}
	fb, err := router.ParseFallback(rc.Fallback)
	if err != nil {
		return router.Config{}, fmt.Errorf("router: %w", err)
	}
	set := router.DefaultRuleSet()
	for st, r := range rc.Rules {
		set[model.SiteType(st).Normalize()] = router.NewRule(r.Include, r.SampleRateMS)
	}
	return router.Config{
		Rules:    router.NewRules(set, fb, rc.FallbackSampleRateMS),
		Delivery: qos,
		Admit:    rc.Admit,
	}, nil
}

type unit struct {
	name   string
	client transport.Client
	run    func(ctx context.Context) error
}

// Relay is a built set of roles ready to run.
type Relay struct {
	Sites    []*edge.Publisher
	Router   *router.Router
	Ingestor *ingest.Ingestor

	units []unit
}

// Build wires the selected roles. Nothing connects until Run.
func Build(cfg *config.Config, roles map[Role]bool, dial Dialer, rec observe.Recorder) (*Relay, error) {
	if rec == nil {
		rec = observe.Noop{}
	}
	backoff := Backoff(cfg.Broker.Retry)
	r := &Relay{}

	if roles[RoleEdge] {
		for _, s := range cfg.Sites {
			ec, err := SiteConfig(s)
			if err != nil {
				return nil, err
			}
			src, err := source.ForSite(ec.SiteType, s.Source, s.Seed)
			if err != nil {
				return nil, fmt.Errorf("site %s: %w", s.ID, err)
			}
			c := dial(s.ClientID)
			pub := edge.New(ec, c, src, rec)
			r.Sites = append(r.Sites, pub)
			r.units = append(r.units, unit{name: "edge:" + s.ID, client: c, run: func(ctx context.Context) error {
				go pub.Connect(ctx, c, backoff)
				return pub.Run(ctx, c.Events())
			}})
		}
	}

	if roles[RoleRouter] {
		rcfg, err := RouterConfig(cfg.Router)
		if err != nil {
			return nil, err
		}
		c := dial(cfg.Router.ClientID)
		r.Router = router.New(rcfg, c, rec)
		r.units = append(r.units, unit{name: "router", client: c, run: func(ctx context.Context) error {
			return r.Router.Run(ctx, c, backoff)
		}})
	}

	if roles[RoleIngestor] {
		sinks, err := BuildSinks(cfg.Ingestor)
		if err != nil {
			return nil, err
		}
		c := dial(cfg.Ingestor.ClientID)
		r.Ingestor = ingest.New(cfg.Ingestor.Measurement, sinks, rec)
		r.units = append(r.units, unit{name: "ingestor", client: c, run: func(ctx context.Context) error {
			return r.Ingestor.Run(ctx, c, backoff)
		}})
	}
	return r, nil
}

// Run starts every unit and blocks until ctx ends or one of them fails.
// Clients are closed on the way out.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.units) == 0 {
		log.Printf("[pipeline] warn: no roles to run")
		<-ctx.Done()
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range r.units {
		u := u
		g.Go(func() error {
			log.Printf("[pipeline:%s] starting", u.name)
			defer u.client.Close()
			if err := u.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", u.name, err)
			}
			log.Printf("[pipeline:%s] stopped", u.name)
			return nil
		})
	}
	return g.Wait()
}

// BuildAndRun builds the selected roles and runs them until ctx is canceled.
func BuildAndRun(ctx context.Context, cfg *config.Config, roles map[Role]bool, rec observe.Recorder) error {
	r, err := Build(cfg, roles, NewDialer(cfg), rec)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(roles))
	for role, on := range roles {
		if on {
			names = append(names, string(role))
		}
	}
	sort.Strings(names)
	log.Printf("[pipeline] roles=%v sites=%d broker=%s", names, len(r.Sites), cfg.Broker.URL)
	return r.Run(ctx)
}
