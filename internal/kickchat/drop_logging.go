package kickchat

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
	dropChannelMaxLen   = 32
)

var longTokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{32,}`)

type frameSummary struct {
	event   string
	channel string
	sample  string
}

type dropReasonSummary struct {
	total          int
	byEvent        map[string]int
	sampleByEvent  map[string]string
	channelByEvent map[string]string
}

// dropLogger aggregates skipped frames and emits one line per reason every
// interval. It is owned by a single read loop and is not safe for concurrent use.
type dropLogger struct {
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
}

func newDropLogger(now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
	}
}

func (d *dropLogger) note(now time.Time, reason string, frame []byte) {
	if d == nil {
		return
	}
	summary := summarizeFrame(frame)
	if d.verbose {
		slog.Debug("kickchat: dropped frame",
			"reason", reason,
			"event", summary.event,
			"channel", summary.channel,
			"sample", summary.sample,
		)
	}

	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{
			byEvent:        make(map[string]int),
			sampleByEvent:  make(map[string]string),
			channelByEvent: make(map[string]string),
		}
		d.reasons[reason] = entry
	}

	entry.total++
	entry.byEvent[summary.event]++
	if _, ok := entry.sampleByEvent[summary.event]; !ok {
		entry.sampleByEvent[summary.event] = summary.sample
	}
	if _, ok := entry.channelByEvent[summary.event]; !ok {
		entry.channelByEvent[summary.event] = summary.channel
	}

	if !now.Before(d.nextEmit) {
		d.flush(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	if len(d.reasons) == 0 {
		d.nextEmit = now.Add(d.interval)
		return
	}

	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		slog.Info("kickchat: dropped_"+reason,
			"total", rs.total,
			"events", formatEventCounts(rs.byEvent),
			"samples", formatEventSamples(rs.sampleByEvent, rs.channelByEvent),
		)
	}

	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

// summarizeFrame pulls the event name and channel out of a frame without
// trusting its shape; anything unreadable is reported as UNKNOWN.
func summarizeFrame(frame []byte) frameSummary {
	raw := strings.TrimSpace(string(frame))
	if raw == "" {
		return frameSummary{event: "UNKNOWN"}
	}

	var env struct {
		Event   string          `json:"event"`
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil || strings.TrimSpace(env.Event) == "" {
		return frameSummary{event: "UNKNOWN", sample: sanitizeAndTruncate(raw, dropSampleMaxLen)}
	}

	sample := string(env.Data)
	var inner string
	if err := json.Unmarshal(env.Data, &inner); err == nil {
		sample = inner
	}
	return frameSummary{
		event:   env.Event,
		channel: sanitizeAndTruncate(env.Channel, dropChannelMaxLen),
		sample:  sanitizeAndTruncate(sample, dropSampleMaxLen),
	}
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatEventCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, ev := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", ev, counts[ev]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatEventSamples(samples map[string]string, channels map[string]string) string {
	if len(samples) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(samples))
	for _, ev := range sortedKeys(samples) {
		sample := samples[ev]
		if channel := channels[ev]; channel != "" {
			parts = append(parts, ev+":'"+channel+" "+sample+"'")
			continue
		}
		parts = append(parts, ev+":'"+sample+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
