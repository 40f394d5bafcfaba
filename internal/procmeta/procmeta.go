package procmeta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mrzor/pm-push/internal/value"
)

// transitionalMarker tags the shadow copies the supervisor emits while it
// reloads a process.
const transitionalMarker = "_old"

// PMID is a supervisor process id. The supervisor uses integers for live
// processes and strings for shadow identities, so both are preserved.
type PMID struct {
	raw     string
	numeric bool
}

// NumericID returns the PMID for an integer process id.
func NumericID(n int) PMID {
	return PMID{raw: strconv.Itoa(n), numeric: true}
}

// StringID returns the PMID for a string process id.
func StringID(s string) PMID {
	return PMID{raw: s}
}

// String returns the id in its textual form.
func (id PMID) String() string { return id.raw }

// IsZero reports whether the id was never set.
func (id PMID) IsZero() bool { return id.raw == "" && !id.numeric }

// IsNumeric reports whether the id arrived as a JSON number.
func (id PMID) IsNumeric() bool { return id.numeric }

// Transitional reports whether the id belongs to a shadow process emitted
// during a reload. Only string ids can carry the marker.
func (id PMID) Transitional() bool {
	return !id.numeric && strings.Contains(id.raw, transitionalMarker)
}

// Value returns the id as a plain value: int64 or float64 for numeric ids,
// string otherwise, nil when unset.
func (id PMID) Value() any {
	switch {
	case id.IsZero():
		return nil
	case !id.numeric:
		return id.raw
	}
	if n, err := strconv.ParseInt(id.raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(id.raw, 64); err == nil {
		return f
	}
	return id.raw
}

// MarshalJSON encodes numeric ids as numbers and everything else as strings.
func (id PMID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.raw), nil
	}
	return json.Marshal(id.raw)
}

// UnmarshalJSON accepts a JSON number, a JSON string or null.
func (id *PMID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = PMID{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("pm_id: %w", err)
		}
		*id = StringID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("pm_id: %w", err)
		}
		*id = PMID{raw: n.String(), numeric: true}
		return nil
	}
}

// EncodeMsgpack mirrors MarshalJSON for the binary codec.
func (id PMID) EncodeMsgpack(enc *msgpack.Encoder) error {
	if !id.numeric {
		return enc.EncodeString(id.raw)
	}
	if n, err := strconv.ParseInt(id.raw, 10, 64); err == nil {
		return enc.EncodeInt(n)
	}
	f, err := strconv.ParseFloat(id.raw, 64)
	if err != nil {
		return fmt.Errorf("pm_id %q: %w", id.raw, err)
	}
	return enc.EncodeFloat64(f)
}

// Versioning is the source-control block some supervisors attach.
type Versioning struct {
	Revision any `json:"revision"`
}

// Envelope is the raw process block of a bus packet.
type Envelope struct {
	PMID       PMID        `json:"pm_id"`
	Name       string      `json:"name"`
	Rev        any         `json:"rev,omitempty"`
	Versioning *Versioning `json:"versioning,omitempty"`
}

// Ref is the canonical process reference sent to the backend.
type Ref struct {
	PMID   PMID   `json:"pm_id"`
	Name   string `json:"name"`
	Rev    any    `json:"rev"`
	Server string `json:"server"`
}

// Normalize builds the canonical reference for env. The revision comes from
// the explicit rev field, then from versioning.revision, and is otherwise
// null. Server is always the locally configured machine name.
func Normalize(env *Envelope, machineName string) Ref {
	ref := Ref{Server: machineName}
	if env == nil {
		return ref
	}

	ref.PMID = env.PMID
	ref.Name = env.Name

	switch {
	case value.Truthy(env.Rev):
		ref.Rev = env.Rev
	case env.Versioning != nil && value.Truthy(env.Versioning.Revision):
		ref.Rev = env.Versioning.Revision
	}

	return ref
}
