package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/chatdeck/internal/core"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryParams captures the scroll-back cursor and page size of a history request.
type HistoryParams struct {
	Before string
	Limit  int
}

// ParseHistoryParams reads before and limit. A missing limit uses the default;
// a non-positive or non-numeric one is rejected.
func ParseHistoryParams(values url.Values) (HistoryParams, error) {
	p := HistoryParams{Limit: defaultHistoryLimit}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return HistoryParams{}, errors.New("limit must be a positive integer")
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		p.Limit = n
	}

	if raw := strings.TrimSpace(values.Get("before")); raw != "" {
		before, err := parseBefore(raw)
		if err != nil {
			return HistoryParams{}, err
		}
		p.Before = before
	}
	return p, nil
}

// parseBefore accepts RFC 3339 timestamps and unix seconds or milliseconds.
func parseBefore(raw string) (string, error) {
	if _, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return raw, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC().Format(time.RFC3339Nano), nil
		}
		return time.Unix(n, 0).UTC().Format(time.RFC3339Nano), nil
	}
	return "", errors.New("invalid before parameter")
}

// ParseChatroomID validates a chatroom id path segment.
func ParseChatroomID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("chatroom id must be a positive integer")
	}
	return id, nil
}

// StreamFilter narrows a live stream to some chatrooms and senders.
type StreamFilter struct {
	Chatrooms map[int64]struct{}
	Senders   []string
}

// ParseStreamFilter reads repeated or comma-separated chatroom and sender values.
func ParseStreamFilter(values url.Values) (StreamFilter, error) {
	var f StreamFilter
	for _, raw := range values["chatroom"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := ParseChatroomID(part)
			if err != nil {
				return StreamFilter{}, errors.New("invalid chatroom filter")
			}
			if f.Chatrooms == nil {
				f.Chatrooms = make(map[int64]struct{})
			}
			f.Chatrooms[id] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	for _, raw := range values["sender"] {
		for _, part := range strings.Split(raw, ",") {
			lowered := strings.ToLower(strings.TrimSpace(part))
			if lowered == "" {
				continue
			}
			if _, exists := seen[lowered]; !exists {
				f.Senders = append(f.Senders, lowered)
				seen[lowered] = struct{}{}
			}
		}
	}
	return f, nil
}

func StreamFilterFromRequest(r *http.Request) (StreamFilter, error) {
	return ParseStreamFilter(r.URL.Query())
}

// Matches reports whether msg passes the filter.
func (f StreamFilter) Matches(msg core.ChatMessage) bool {
	if len(f.Chatrooms) > 0 {
		if _, ok := f.Chatrooms[msg.ChatroomID]; !ok {
			return false
		}
	}
	if len(f.Senders) > 0 {
		username := strings.ToLower(msg.Sender.Username)
		for _, s := range f.Senders {
			if strings.Contains(username, s) {
				return true
			}
		}
		return false
	}
	return true
}
