package event

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mrzor/pm-push/internal/procmeta"
	"github.com/mrzor/pm-push/internal/value"
)

// Packet is the payload of a bus event. The process block and data are
// decoded; every other top-level field is kept verbatim in Fields and
// forwarded unchanged.
type Packet struct {
	// Process is the raw process block, nil when the packet had none.
	Process *procmeta.Envelope
	// Ref replaces Process once the packet is normalized.
	Ref *procmeta.Ref
	// Data is the channel-specific content: an object for most channels,
	// a string for log lines.
	Data any
	// Fields holds the remaining top-level fields.
	Fields map[string]any
}

// DataObject returns Data when it is a JSON object.
func (p *Packet) DataObject() (map[string]any, bool) {
	return value.Object(p.Data)
}

// Set stores a top-level field.
func (p *Packet) Set(key string, v any) {
	if p.Fields == nil {
		p.Fields = make(map[string]any)
	}
	p.Fields[key] = v
}

// Get returns a top-level field.
func (p *Packet) Get(key string) (any, bool) {
	v, ok := p.Fields[key]
	return v, ok
}

// Normalize replaces the raw process block with its canonical reference.
func (p *Packet) Normalize(machineName string) {
	ref := procmeta.Normalize(p.Process, machineName)
	p.Ref = &ref
	p.Process = nil
}

// PMID returns the process id from whichever process block is present.
func (p *Packet) PMID() (procmeta.PMID, bool) {
	switch {
	case p.Ref != nil:
		return p.Ref.PMID, true
	case p.Process != nil:
		return p.Process.PMID, true
	default:
		return procmeta.PMID{}, false
	}
}

// UnmarshalJSON splits the packet into its known and pass-through parts.
func (p *Packet) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("packet: %w", err)
	}

	*p = Packet{}
	for key, msg := range raw {
		switch key {
		case "process":
			if string(msg) == "null" {
				continue
			}
			var env procmeta.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				return fmt.Errorf("packet process: %w", err)
			}
			p.Process = &env
		case "data":
			if err := json.Unmarshal(msg, &p.Data); err != nil {
				return fmt.Errorf("packet data: %w", err)
			}
		default:
			var v any
			if err := json.Unmarshal(msg, &v); err != nil {
				return fmt.Errorf("packet field %q: %w", key, err)
			}
			p.Set(key, v)
		}
	}
	return nil
}

// MarshalJSON emits the packet as a single flat object.
func (p *Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.fields())
}

// EncodeMsgpack emits the same object as MarshalJSON for the binary codec.
func (p *Packet) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(p.fields())
}

func (p *Packet) fields() map[string]any {
	out := make(map[string]any, len(p.Fields)+2)
	for k, v := range p.Fields {
		out[k] = v
	}
	if p.Data != nil {
		out["data"] = p.Data
	}
	switch {
	case p.Ref != nil:
		out["process"] = p.Ref
	case p.Process != nil:
		out["process"] = p.Process
	}
	return out
}
