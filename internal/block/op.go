package block

import (
	"cmp"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes  = 256 << 10
	MaxTitleBytes    = 1024
	maxLanguageBytes = 64
	maxIDBytes       = 128
)

// OpKind tags an operation payload.
type OpKind string

const (
	OpInsertBlock    OpKind = "insert_block"
	OpDeleteBlock    OpKind = "delete_block"
	OpUpdateContent  OpKind = "update_content"
	OpUpdateKind     OpKind = "update_kind"
	OpUpdateProperty OpKind = "update_property"
	OpMoveBlock      OpKind = "move_block"
	OpSetTitle       OpKind = "set_title"
)

// Payload is the closed set of operation bodies.
type Payload interface {
	OpKind() OpKind
	validate() error
}

// InsertBlock creates a block. Either Key or After places it; with neither
// the block goes to the start of the document.
type InsertBlock struct {
	BlockID    string
	Kind       Kind
	Content    string
	Key        string
	After      string
	Properties map[Property]Value
}

type DeleteBlock struct {
	BlockID string
}

type UpdateContent struct {
	BlockID string
	Content string
}

type UpdateKind struct {
	BlockID string
	Kind    Kind
}

type UpdateProperty struct {
	BlockID string
	Name    Property
	Value   Value
}

// MoveBlock re-keys a block. Either Key or After places it.
type MoveBlock struct {
	BlockID string
	Key     string
	After   string
}

type SetTitle struct {
	Title string
}

func (InsertBlock) OpKind() OpKind    { return OpInsertBlock }
func (DeleteBlock) OpKind() OpKind    { return OpDeleteBlock }
func (UpdateContent) OpKind() OpKind  { return OpUpdateContent }
func (UpdateKind) OpKind() OpKind     { return OpUpdateKind }
func (UpdateProperty) OpKind() OpKind { return OpUpdateProperty }
func (MoveBlock) OpKind() OpKind      { return OpMoveBlock }
func (SetTitle) OpKind() OpKind       { return OpSetTitle }

func (p InsertBlock) validate() error {
	if err := validID("block id", p.BlockID); err != nil {
		return err
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, p.Kind)
	}
	if err := validText("content", p.Content, MaxContentBytes); err != nil {
		return err
	}
	if err := validPlacement(p.BlockID, p.Key, p.After); err != nil {
		return err
	}
	for name, value := range p.Properties {
		if err := name.Check(value); err != nil {
			return err
		}
	}
	return nil
}

func (p DeleteBlock) validate() error {
	return validID("block id", p.BlockID)
}

func (p UpdateContent) validate() error {
	if err := validID("block id", p.BlockID); err != nil {
		return err
	}
	return validText("content", p.Content, MaxContentBytes)
}

func (p UpdateKind) validate() error {
	if err := validID("block id", p.BlockID); err != nil {
		return err
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, p.Kind)
	}
	return nil
}

func (p UpdateProperty) validate() error {
	if err := validID("block id", p.BlockID); err != nil {
		return err
	}
	return p.Name.Check(p.Value)
}

func (p MoveBlock) validate() error {
	if err := validID("block id", p.BlockID); err != nil {
		return err
	}
	return validPlacement(p.BlockID, p.Key, p.After)
}

func (p SetTitle) validate() error {
	return validText("title", p.Title, MaxTitleBytes)
}

// Operation is one structured edit issued by an actor.
type Operation struct {
	ID         string
	DocumentID string
	Actor      string
	Clock      uint64
	Seq        uint64
	Payload    Payload
}

func (o Operation) Kind() OpKind {
	if o.Payload == nil {
		return ""
	}
	return o.Payload.OpKind()
}

func (o Operation) Stamp() Stamp {
	return Stamp{Clock: o.Clock, Actor: o.Actor}
}

// Target returns the block the operation addresses, or "" for
// document-level operations.
func (o Operation) Target() string {
	switch p := o.Payload.(type) {
	case InsertBlock:
		return p.BlockID
	case DeleteBlock:
		return p.BlockID
	case UpdateContent:
		return p.BlockID
	case UpdateKind:
		return p.BlockID
	case UpdateProperty:
		return p.BlockID
	case MoveBlock:
		return p.BlockID
	case SetTitle:
		return ""
	default:
		return ""
	}
}

// Validate checks the operation's shape without looking at any state.
func (o Operation) Validate() error {
	if err := validID("operation id", o.ID); err != nil {
		return err
	}
	if err := validID("document id", o.DocumentID); err != nil {
		return err
	}
	if err := validID("actor id", o.Actor); err != nil {
		return err
	}
	if o.Clock == 0 {
		return fmt.Errorf("%w: clock must be positive", ErrInvalidOperation)
	}
	if o.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidOperation)
	}
	return o.Payload.validate()
}

// CompareOrder orders operations by (clock, actor, seq), the log's replay
// order.
func CompareOrder(a, b Operation) int {
	if c := a.Stamp().Compare(b.Stamp()); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func validID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidOperation, field)
	}
	if len(v) > maxIDBytes || !utf8.ValidString(v) {
		return fmt.Errorf("%w: malformed %s", ErrInvalidOperation, field)
	}
	return nil
}

func validText(field, v string, limit int) error {
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidOperation, field)
	}
	if len(v) > limit {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidOperation, field, limit)
	}
	return nil
}

func validPlacement(id, key, after string) error {
	if key != "" && after != "" {
		return fmt.Errorf("%w: give a position key or an anchor, not both", ErrInvalidOperation)
	}
	if key != "" && !ValidKey(key) {
		return fmt.Errorf("%w: malformed position key %q", ErrInvalidOperation, key)
	}
	if after == id {
		return fmt.Errorf("%w: block cannot be anchored on itself", ErrInvalidOperation)
	}
	return nil
}
