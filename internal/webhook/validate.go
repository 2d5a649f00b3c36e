package webhook

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/zachbroad/webhook-dispatch/internal/model"
	"github.com/zachbroad/webhook-dispatch/internal/script"
)

const maxEventNameLen = 128

func validateURL(raw string) error {
	if raw == "" {
		return invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url", "is not a valid URL")
	}
	if !u.IsAbs() || u.Host == "" {
		return invalid("url", "must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url", "scheme must be http or https")
	}
	return nil
}

// normalizeEvents trims and de-duplicates event names, keeping first-seen order.
func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, invalid("events", "at least one event is required")
	}
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			return nil, invalid("events", "event names must be non-empty")
		}
		if len(e) > maxEventNameLen {
			return nil, invalid("events", "event name %q is too long", e)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out, nil
}

func validateMetadata(m *model.Metadata) error {
	if err := m.Normalize(); err != nil {
		return invalid("metadata", "%v", err)
	}
	if m.Filter != "" {
		if err := script.Validate(m.Filter); err != nil {
			return invalid("metadata.filter", "%v", err)
		}
	}
	return nil
}

// encodePayload returns the exact bytes that will be signed and sent.
// Pre-encoded JSON is kept verbatim; anything else is marshalled once.
func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, invalid("payload", "is required")
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, invalid("payload", "cannot be encoded as JSON: %v", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, invalid("payload", "is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
