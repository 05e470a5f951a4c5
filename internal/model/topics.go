package model

import (
	"errors"
	"strings"
)

// TopicRoot prefixes every topic this system publishes.
const TopicRoot = "telemetry/edge"

// Topic kinds: the last path segment of a site topic.
const (
	KindRaw     = "raw"
	KindMetrics = "metrics"
	KindStatus  = "status"
	KindAlerts  = "alerts"
)

// Wildcard subscriptions covering every site.
var (
	RawFilter     = TopicRoot + "/+/" + KindRaw
	MetricsFilter = TopicRoot + "/+/" + KindMetrics
	StatusFilter  = TopicRoot + "/+/" + KindStatus
	AlertsFilter  = TopicRoot + "/+/" + KindAlerts
)

func siteTopic(siteID, kind string) string {
	return TopicRoot + "/" + siteID + "/" + kind
}

func RawTopic(siteID string) string     { return siteTopic(siteID, KindRaw) }
func MetricsTopic(siteID string) string { return siteTopic(siteID, KindMetrics) }
func StatusTopic(siteID string) string  { return siteTopic(siteID, KindStatus) }
func AlertsTopic(siteID string) string  { return siteTopic(siteID, KindAlerts) }

// ParseTopic splits telemetry/edge/<site_id>/<kind>.
func ParseTopic(topic string) (siteID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicRoot+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ValidSiteID reports whether id can be used as a single topic segment.
func ValidSiteID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("site id is empty")
	}
	if strings.ContainsAny(id, "/+#") {
		return errors.New("site id must not contain '/', '+' or '#'")
	}
	return nil
}
