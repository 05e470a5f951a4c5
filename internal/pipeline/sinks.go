package pipeline

import (
	"fmt"
	"sort"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/exporters/influx"
	"github.com/noz-co-id/Greengrid-telco/internal/exporters/kafka"
	"github.com/noz-co-id/Greengrid-telco/internal/exporters/otlpgrpc"
	"github.com/noz-co-id/Greengrid-telco/internal/exporters/promrw"
	"github.com/noz-co-id/Greengrid-telco/internal/exporters/pulsar"
	"github.com/noz-co-id/Greengrid-telco/internal/exporters/stdout"
	"github.com/noz-co-id/Greengrid-telco/internal/ingest"
)

// BuildSinks creates one sink per configured exporter, ordered by key.
func BuildSinks(ic config.IngestorCfg) ([]ingest.Sink, error) {
	keys := make([]string, 0, len(ic.Exporters))
	for k := range ic.Exporters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sinks := make([]ingest.Sink, 0, len(keys))
	for _, key := range keys {
		ec := ic.Exporters[key]
		if ec.Name == "" {
			ec.Name = key
		}
		s, err := newSink(ec)
		if err != nil {
			return nil, fmt.Errorf("exporter %s: %w", key, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func newSink(ec config.ExporterCfg) (ingest.Sink, error) {
	switch ec.Type {
	case "stdout":
		return stdout.New(ec), nil
	case "influx", "influxdb":
		return influx.New(ec)
	case "promrw", "promremotewrite":
		return promrw.New(ec)
	case "otlpgrpc", "otlp":
		return otlpgrpc.New(ec)
	case "kafka":
		return kafka.New(ec)
	case "pulsar":
		return pulsar.New(ec)
	}
	return nil, fmt.Errorf("unknown exporter type %q", ec.Type)
}
