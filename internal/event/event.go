// Package event normalizes raw device payloads into canonical detection
// events and builds the enriched copies broadcast to subscribers.
package event

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

var (
	ErrMissingEventType = errors.New("device event missing eventType")
	ErrMissingTimestamp = errors.New("device event missing detectedAt and ts")
	ErrMalformedPayload = errors.New("device event is not a JSON object")
)

// isoLocal matches the wire format the dashboards expect: local date-time
// without a zone designator, fractional seconds trimmed.
const isoLocal = "2006-01-02T15:04:05.999"

// DetectionEvent is the canonical record derived from one device message.
// It is built once, persisted, and never mutated afterwards.
type DetectionEvent struct {
	EventType  string
	DetectedAt time.Time
	LayRate    *float64 // nil when absent or invalid
	Prob       *float64 // unclamped pass-through
	SubjectKey int
	VideoID    *int64
}

// Normalizer converts raw payloads using a fixed timezone and a fallback
// subject key. Subject identity binding is an external concern; the
// normalizer only reads what the payload carries.
type Normalizer struct {
	zone           *time.Location
	defaultSubject int
}

func NewNormalizer(zone *time.Location, defaultSubject int) *Normalizer {
	if zone == nil {
		zone = time.UTC
	}
	return &Normalizer{zone: zone, defaultSubject: defaultSubject}
}

// Parse validates and normalizes a raw device message. It returns the
// canonical event together with the decoded payload map used later for
// enrichment. A nil error means the event is safe to persist.
func (n *Normalizer) Parse(payload []byte) (*DetectionEvent, map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, nil, ErrMalformedPayload
	}

	eventType, ok := stringField(raw, "eventType")
	if !ok || eventType == "" {
		return nil, nil, ErrMissingEventType
	}

	detectedAt, ok := n.resolveTimestamp(raw)
	if !ok {
		return nil, nil, ErrMissingTimestamp
	}

	ev := &DetectionEvent{
		EventType:  eventType,
		DetectedAt: detectedAt,
		LayRate:    validProbability(raw, "layRate"),
		Prob:       numberField(raw, "prob"),
		SubjectKey: n.resolveSubject(raw),
		VideoID:    intField(raw, "videoId"),
	}
	return ev, raw, nil
}

// resolveTimestamp picks the detection time: an explicit detectedAt string
// wins over the epoch-seconds ts field. Returns false when neither parses.
func (n *Normalizer) resolveTimestamp(raw map[string]any) (time.Time, bool) {
	if s, ok := stringField(raw, "detectedAt"); ok && s != "" {
		if t, err := parseLocalTime(s, n.zone); err == nil {
			return t, true
		}
	}
	if ts := numberField(raw, "ts"); ts != nil {
		return epochToTime(*ts, n.zone), true
	}
	return time.Time{}, false
}

func (n *Normalizer) resolveSubject(raw map[string]any) int {
	if key := intField(raw, "userKey"); key != nil {
		return int(*key)
	}
	return n.defaultSubject
}

// parseLocalTime accepts an ISO local date-time (fractional seconds
// optional) in the hub zone, or a full RFC 3339 timestamp.
func parseLocalTime(s string, zone *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, zone); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// epochToTime converts fractional epoch seconds preserving sub-second
// precision well past millisecond granularity.
func epochToTime(epoch float64, zone *time.Location) time.Time {
	sec := math.Floor(epoch)
	nanos := math.Round((epoch - sec) * 1e9)
	return time.Unix(int64(sec), int64(nanos)).In(zone)
}

// Enrich merges the resolved fields into a copy of the original payload.
// The result is the exact message fanned out to subscribers.
func Enrich(raw map[string]any, ev *DetectionEvent, alertID int64) ([]byte, error) {
	out := make(map[string]any, len(raw)+4)
	for k, v := range raw {
		out[k] = v
	}
	out["detectedAtIso"] = ev.DetectedAt.Format(isoLocal)
	out["subjectId"] = ev.SubjectKey
	out["eventType"] = ev.EventType
	if alertID > 0 {
		out["alertId"] = alertID
	}
	if ev.VideoID != nil {
		out["videoId"] = *ev.VideoID
	}
	return json.Marshal(out)
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberField(m map[string]any, key string) *float64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

// validProbability returns the field only when it is a finite number in
// [0, 1]; anything else is treated as absent, never clamped.
func validProbability(m map[string]any, key string) *float64 {
	f := numberField(m, key)
	if f == nil {
		return nil
	}
	if math.IsNaN(*f) || math.IsInf(*f, 0) || *f < 0 || *f > 1 {
		return nil
	}
	return f
}

func intField(m map[string]any, key string) *int64 {
	f := numberField(m, key)
	if f == nil || *f != math.Trunc(*f) {
		return nil
	}
	i := int64(*f)
	return &i
}
