package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed marks a payload that could not be parsed or is missing a
// required field. Consumers drop such messages and keep going.
var ErrMalformed = errors.New("malformed payload")

// SiteType identifies the kind of edge deployment. Unknown values are legal
// on the wire; the router applies its fallback rule to them.
type SiteType string

// Known site types.
const (
	SiteCell       SiteType = "CELL"
	SiteDatacenter SiteType = "DATACENTER"
	SiteSwitchroom SiteType = "SWITCHROOM"
)

// Normalize upper-cases and trims a site type read from config or env.
func (t SiteType) Normalize() SiteType {
	return SiteType(strings.ToUpper(strings.TrimSpace(string(t))))
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Snapshot is one generation tick of a site: the raw wire message published
// on telemetry/edge/<site_id>/raw.
type Snapshot struct {
	SiteID    string    `json:"site_id"`
	SiteType  SiteType  `json:"site_type"`
	Location  *Location `json:"location,omitempty"`
	Timestamp Time      `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
}

// WithMetrics returns a copy of s carrying m instead of its own metrics.
func (s Snapshot) WithMetrics(m Metrics) Snapshot {
	s.Metrics = m
	return s
}

// Processed is the router's output on telemetry/edge/<site_id>/metrics.
type Processed struct {
	Snapshot
	FilteredAt   Time `json:"filtered_at"`
	SampleRateMS int  `json:"sample_rate_ms"`
}

// Status is published once per successful connect on telemetry/edge/<site_id>/status.
type Status struct {
	SiteID         string   `json:"site_id"`
	SiteType       SiteType `json:"site_type"`
	Status         string   `json:"status"`
	Location       Location `json:"location"`
	HighFrequency  bool     `json:"high_frequency,omitempty"`
	SamplingRateMS int      `json:"sampling_rate_ms,omitempty"`
	Timestamp      Time     `json:"timestamp"`
}

// StatusOnline is the only status value edges emit today.
const StatusOnline = "online"

// Point is a single timestamped, site-tagged value handed to a storage sink.
type Point struct {
	Measurement string    `json:"measurement"`
	SiteID      string    `json:"site_id"`
	SiteType    SiteType  `json:"site_type"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Time        time.Time `json:"time"`
}

// DecodeSnapshot parses a raw or processed payload and checks the fields every
// consumer depends on. Extra fields (filtered_at, sample_rate_ms) are ignored.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := s.validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// DecodeProcessed parses a router output message.
func DecodeProcessed(b []byte) (Processed, error) {
	var p Processed
	if err := json.Unmarshal(b, &p); err != nil {
		return Processed{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.Snapshot.validate(); err != nil {
		return Processed{}, err
	}
	return p, nil
}

// DecodeStatus parses a status announcement.
func DecodeStatus(b []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.SiteID == "" {
		return Status{}, fmt.Errorf("%w: missing site_id", ErrMalformed)
	}
	return s, nil
}

func (s Snapshot) validate() error {
	switch {
	case s.SiteID == "":
		return fmt.Errorf("%w: missing site_id", ErrMalformed)
	case s.SiteType == "":
		return fmt.Errorf("%w: missing site_type", ErrMalformed)
	case s.Metrics == nil:
		return fmt.Errorf("%w: missing metrics", ErrMalformed)
	}
	if err := ValidSiteID(s.SiteID); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
