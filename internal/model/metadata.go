package model

import "fmt"

// MetadataVersion is the only metadata layout this build understands.
const MetadataVersion = 1

const (
	maxLabels        = 32
	maxLabelKeyLen   = 64
	maxLabelValueLen = 256
)

// Metadata is the owner-supplied annotation bag of a subscription.
// Labels are opaque to the dispatcher; Filter is read by the fan-out trigger.
type Metadata struct {
	Version int               `json:"version"`
	Labels  map[string]string `json:"labels,omitempty"`
	Filter  string            `json:"filter,omitempty"`
}

// Normalize fills defaults and checks limits.
func (m *Metadata) Normalize() error {
	if m.Version == 0 {
		m.Version = MetadataVersion
	}
	if m.Version != MetadataVersion {
		return fmt.Errorf("unsupported metadata version %d", m.Version)
	}
	if len(m.Labels) > maxLabels {
		return fmt.Errorf("at most %d labels are allowed", maxLabels)
	}
	for k, v := range m.Labels {
		if k == "" || len(k) > maxLabelKeyLen {
			return fmt.Errorf("label key %q must be 1-%d characters", k, maxLabelKeyLen)
		}
		if len(v) > maxLabelValueLen {
			return fmt.Errorf("label %q exceeds %d characters", k, maxLabelValueLen)
		}
	}
	return nil
}
