// Package wire defines the versioned encodings of operations and session
// messages. JSON is used on client transports, deterministic CBOR for
// storage. Every encoded value carries a version; decoders migrate older
// versions explicitly and reject unknown ones.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"quire/api/internal/block"
)

// Version is written on every record and envelope.
const Version = 1

var (
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	// ErrMissingVersion marks JSON input without a "v" field. Version 0 has
	// to be stated explicitly.
	ErrMissingVersion = fmt.Errorf("%w: version is required", ErrUnsupportedVersion)
	ErrMalformed      = errors.New("wire: malformed message")
)

// Record is the encoded form of one operation.
type Record struct {
	V          int          `json:"v"`
	ID         string       `json:"id"`
	Kind       block.OpKind `json:"kind"`
	DocumentID string       `json:"documentId"`
	ActorID    string       `json:"actorId"`
	Clock      uint64       `json:"clock"`
	Seq        uint64       `json:"seq"`
	Payload    Payload      `json:"payload"`
}

// Payload is the union of every operation body. Which fields are read
// depends on the record kind.
type Payload struct {
	BlockID    string         `json:"blockId,omitempty"`
	Kind       block.Kind     `json:"kind,omitempty"`
	Content    string         `json:"content,omitempty"`
	Key        string         `json:"key,omitempty"`
	After      string         `json:"after,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Name       block.Property `json:"name,omitempty"`
	Value      any            `json:"value,omitempty"`
	Title      string         `json:"title,omitempty"`
}

// UnmarshalJSON decodes a client record, which must state its version.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		V *int `json:"v"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.V == nil {
		return ErrMissingVersion
	}
	*r = Record(aux.plain)
	r.V = *aux.V
	return nil
}

// FromOperation encodes op at the current version.
func FromOperation(op block.Operation) Record {
	r := Record{
		V:          Version,
		ID:         op.ID,
		Kind:       op.Kind(),
		DocumentID: op.DocumentID,
		ActorID:    op.Actor,
		Clock:      op.Clock,
		Seq:        op.Seq,
	}
	switch p := op.Payload.(type) {
	case block.InsertBlock:
		r.Payload = Payload{BlockID: p.BlockID, Kind: p.Kind, Content: p.Content, Key: p.Key, After: p.After}
		if len(p.Properties) > 0 {
			r.Payload.Properties = make(map[string]any, len(p.Properties))
			for name, v := range p.Properties {
				r.Payload.Properties[string(name)] = plainValue(v)
			}
		}
	case block.DeleteBlock:
		r.Payload = Payload{BlockID: p.BlockID}
	case block.UpdateContent:
		r.Payload = Payload{BlockID: p.BlockID, Content: p.Content}
	case block.UpdateKind:
		r.Payload = Payload{BlockID: p.BlockID, Kind: p.Kind}
	case block.UpdateProperty:
		r.Payload = Payload{BlockID: p.BlockID, Name: p.Name, Value: plainValue(p.Value)}
	case block.MoveBlock:
		r.Payload = Payload{BlockID: p.BlockID, Key: p.Key, After: p.After}
	case block.SetTitle:
		r.Payload = Payload{Title: p.Title}
	}
	return r
}

// Operation decodes r, migrating older versions first.
func (r Record) Operation() (block.Operation, error) {
	switch r.V {
	case Version:
	case 0:
		r = migrateV0(r)
	default:
		return block.Operation{}, fmt.Errorf("%w: record version %d", ErrUnsupportedVersion, r.V)
	}

	op := block.Operation{
		ID:         r.ID,
		DocumentID: r.DocumentID,
		Actor:      r.ActorID,
		Clock:      r.Clock,
		Seq:        r.Seq,
	}
	p := r.Payload
	switch r.Kind {
	case block.OpInsertBlock:
		ins := block.InsertBlock{BlockID: p.BlockID, Kind: p.Kind, Content: p.Content, Key: p.Key, After: p.After}
		if len(p.Properties) > 0 {
			ins.Properties = make(map[block.Property]block.Value, len(p.Properties))
			for name, raw := range p.Properties {
				v, err := typedValue(raw)
				if err != nil {
					return block.Operation{}, fmt.Errorf("property %s: %w", name, err)
				}
				ins.Properties[block.Property(name)] = v
			}
		}
		op.Payload = ins
	case block.OpDeleteBlock:
		op.Payload = block.DeleteBlock{BlockID: p.BlockID}
	case block.OpUpdateContent:
		op.Payload = block.UpdateContent{BlockID: p.BlockID, Content: p.Content}
	case block.OpUpdateKind:
		op.Payload = block.UpdateKind{BlockID: p.BlockID, Kind: p.Kind}
	case block.OpUpdateProperty:
		v, err := typedValue(p.Value)
		if err != nil {
			return block.Operation{}, fmt.Errorf("property %s: %w", p.Name, err)
		}
		op.Payload = block.UpdateProperty{BlockID: p.BlockID, Name: p.Name, Value: v}
	case block.OpMoveBlock:
		op.Payload = block.MoveBlock{BlockID: p.BlockID, Key: p.Key, After: p.After}
	case block.OpSetTitle:
		op.Payload = block.SetTitle{Title: p.Title}
	default:
		return block.Operation{}, fmt.Errorf("%w: unknown operation kind %q", block.ErrInvalidOperation, r.Kind)
	}
	return op, nil
}

// legacyKinds maps the block type names of the first editor release.
var legacyKinds = map[block.Kind]block.Kind{
	"bullet_list":   block.KindBulletItem,
	"numbered_list": block.KindNumberedItem,
	"todo":          block.KindTodoItem,
}

func migrateV0(r Record) Record {
	if k, ok := legacyKinds[r.Payload.Kind]; ok {
		r.Payload.Kind = k
	}
	r.V = Version
	return r
}

func plainValue(v block.Value) any {
	switch {
	case v.Bool != nil:
		return *v.Bool
	case v.Text != nil:
		return *v.Text
	default:
		return nil
	}
}

func typedValue(raw any) (block.Value, error) {
	switch v := raw.(type) {
	case bool:
		return block.BoolValue(v), nil
	case string:
		return block.TextValue(v), nil
	default:
		return block.Value{}, fmt.Errorf("%w: property value of type %T", block.ErrInvalidOperation, raw)
	}
}
