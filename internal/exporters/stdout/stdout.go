package stdout

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

// Exporter prints one JSON line per point.
type Exporter struct {
	name   string
	logger *log.Logger
	pretty bool
}

func New(cfg config.ExporterCfg) *Exporter {
	return newWithWriter(cfg, os.Stdout)
}

func newWithWriter(cfg config.ExporterCfg, w io.Writer) *Exporter {
	name := cfg.Name
	if name == "" {
		name = "stdout"
	}
	return &Exporter{
		name:   name,
		logger: log.New(w, "[stdout-exporter] ", log.LstdFlags),
		pretty: cfg.ExtraBool("pretty", false),
	}
}

func (e *Exporter) Name() string { return e.name }

func (e *Exporter) Write(ctx context.Context, pts []model.Point) error {
	for _, p := range pts {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload := map[string]any{
			"measurement": p.Measurement,
			"site_id":     p.SiteID,
			"site_type":   p.SiteType,
			"metric":      p.Metric,
			"value":       p.Value,
			"time":        p.Time.UTC().Format(time.RFC3339Nano),
		}
		b, err := e.marshal(payload)
		if err != nil {
			e.logger.Printf("marshal failed: %v", err)
			continue
		}
		e.logger.Printf("%s", b)
	}
	return nil
}

func (e *Exporter) marshal(payload map[string]any) ([]byte, error) {
	if e.pretty {
		return json.MarshalIndent(payload, "", "  ")
	}
	return json.Marshal(payload)
}
