// Package observe records pipeline counters and latencies. Every method must
// return promptly; callers sit on message hot paths.
package observe

import "time"

// Router outcome labels.
const (
	StatusFiltered     = "filtered"
	StatusFallback     = "fallback"
	StatusDropped      = "dropped"
	StatusRejected     = "rejected"
	StatusMalformed    = "malformed"
	StatusPublishError = "publish_error"
)

// Recorder is the observability sink shared by all roles.
type Recorder interface {
	// Router
	MessageRouted(siteType, status string, latency time.Duration)

	// Edge
	EdgePublished(siteID string)
	EdgeBuffered(siteID string, depth int)
	EdgeEvicted(siteID string)
	EdgeDropped(siteID string)
	EdgeFlushed(siteID string, n int)
	EdgeConnected(siteID string, up bool)

	// Ingestor
	PointsWritten(sink string, n int)
	SinkFailed(sink string)
	IngestMalformed(kind string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) MessageRouted(string, string, time.Duration) {}
func (Noop) EdgePublished(string)                        {}
func (Noop) EdgeBuffered(string, int)                    {}
func (Noop) EdgeEvicted(string)                          {}
func (Noop) EdgeDropped(string)                          {}
func (Noop) EdgeFlushed(string, int)                     {}
func (Noop) EdgeConnected(string, bool)                  {}
func (Noop) PointsWritten(string, int)                   {}
func (Noop) SinkFailed(string)                           {}
func (Noop) IngestMalformed(string)                      {}
