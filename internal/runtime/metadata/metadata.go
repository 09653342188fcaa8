// Package metadata holds the string bag carried by call contexts and bus
// messages.
package metadata

import (
	"maps"
	"strings"
)

// Reserved keys. Values under these keys are owned by the engine.
const (
	KeyCorrelationID = "correlation_id"
	KeyTraceID       = "trace_id"
	KeyReplyTopic    = "protostream_reply_topic"
	KeyRequestType   = "protostream_request_type"
	KeyItemType      = "protostream_item_type"
	KeyStreamEvent   = "protostream_event"
	KeyStreamSeq     = "protostream_seq"
	KeyErrorMessage  = "protostream_error"

	// ContextPrefix marks call-context data that travels with bus messages.
	ContextPrefix = "ctx_"
)

// Metadata is a string map with copy-on-write helpers.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	maps.Copy(cloned, m)
	return cloned
}

// Clone returns a shallow copy; never nil.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy with entries merged over m.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	maps.Copy(cloned, entries)
	return cloned
}

// WithPrefix returns the entries whose key starts with prefix, with the
// prefix stripped.
func (m Metadata) WithPrefix(prefix string) Metadata {
	out := Metadata{}
	for k, v := range m {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out[rest] = v
		}
	}
	return out
}

// Prefixed returns a copy whose keys are all prefixed.
func (m Metadata) Prefixed(prefix string) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[prefix+k] = v
	}
	return out
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
