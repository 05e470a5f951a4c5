package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Exporter publishes one JSON message per point, keyed by site id so a
// site's points stay in one partition.
//
// Supported cfg.Extra keys:
//   - brokers: list of host:port (falls back to endpoint)
//   - topic: string (default "greengrid.metrics")
//   - acks: "none" | "one" | "all" (default "one")
//   - batch_timeout: duration (default 50ms)
//   - batch_size: messages per produce request (default 100)
//   - auto_create_topic: bool (default false)
type Exporter struct {
	name   string
	topic  string
	writer messageWriter
}

func New(cfg config.ExporterCfg) (*Exporter, error) {
	brokers := cfg.ExtraStrings("brokers")
	if len(brokers) == 0 && strings.TrimSpace(cfg.Endpoint) != "" {
		brokers = strings.Split(cfg.Endpoint, ",")
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka exporter: missing brokers")
	}
	acks, err := parseAcks(cfg.ExtraString("acks", "one"))
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = "kafka"
	}
	topic := cfg.ExtraString("topic", "greengrid.metrics")

	log.Printf("[kafka-exporter:%s] topic=%s brokers=%v", name, topic, brokers)
	return &Exporter{
		name:  name,
		topic: topic,
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           acks,
			BatchSize:              cfg.ExtraInt("batch_size", 100),
			BatchTimeout:           cfg.ExtraDuration("batch_timeout", 50*time.Millisecond),
			AllowAutoTopicCreation: cfg.ExtraBool("auto_create_topic", false),
		},
	}, nil
}

func parseAcks(s string) (kafkago.RequiredAcks, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return kafkago.RequireNone, nil
	case "one", "1", "":
		return kafkago.RequireOne, nil
	case "all", "-1":
		return kafkago.RequireAll, nil
	}
	return 0, fmt.Errorf("kafka exporter: unknown acks %q", s)
}

func (e *Exporter) Name() string { return e.name }

// Messages encodes pts. A point that cannot be encoded (NaN values) is
// logged and left out.
func Messages(pts []model.Point) []kafkago.Message {
	msgs := make([]kafkago.Message, 0, len(pts))
	for _, p := range pts {
		b, err := json.Marshal(p)
		if err != nil {
			log.Printf("[kafka-exporter] warn: %s/%s: %v", p.SiteID, p.Metric, err)
			continue
		}
		msgs = append(msgs, kafkago.Message{
			Key:   []byte(p.SiteID),
			Value: b,
			Time:  p.Time,
			Headers: []kafkago.Header{
				{Key: "site_type", Value: []byte(p.SiteType)},
			},
		})
	}
	return msgs
}

func (e *Exporter) Write(ctx context.Context, pts []model.Point) error {
	msgs := Messages(pts)
	if len(msgs) == 0 {
		return nil
	}
	return e.writer.WriteMessages(ctx, msgs...)
}

func (e *Exporter) Close() error { return e.writer.Close() }
