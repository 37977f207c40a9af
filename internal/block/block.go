package block

import (
	"maps"
	"slices"
)

// register is a last-writer-wins cell.
type register[T any] struct {
	Value T
	Stamp Stamp
}

// set writes v if s is newer than the current stamp.
func (r *register[T]) set(v T, s Stamp) bool {
	if s.Compare(r.Stamp) <= 0 {
		return false
	}
	r.Value = v
	r.Stamp = s
	return true
}

// Block is one unit of a document. Blocks are mutated only through State.
type Block struct {
	id      string
	created Stamp
	kind    register[Kind]
	content register[string]
	key     register[string]
	props   map[Property]register[Value]
	deleted Stamp
}

func (b *Block) ID() string { return b.id }

// Created is the stamp of the insert that created the block.
func (b *Block) Created() Stamp { return b.created }

// Kind returns KindDeleted for tombstones.
func (b *Block) Kind() Kind {
	if b.Deleted() {
		return KindDeleted
	}
	return b.kind.Value
}

// Placed is the stamp of the write that set the block's current key.
func (b *Block) Placed() Stamp { return b.key.Stamp }

func (b *Block) Content() string { return b.content.Value }
func (b *Block) Key() string     { return b.key.Value }
func (b *Block) Deleted() bool   { return !b.deleted.IsZero() }

// DeletedAt is the stamp of the winning delete, zero for live blocks.
func (b *Block) DeletedAt() Stamp { return b.deleted }

// Props returns the property bundle visible for the block's current kind.
func (b *Block) Props() Props {
	switch b.Kind() {
	case KindTodoItem:
		return TodoProps{Checked: b.boolProp(PropChecked)}
	case KindCode:
		return CodeProps{Language: b.textProp(PropLanguage)}
	case KindParagraph, KindHeading1, KindHeading2, KindHeading3,
		KindBulletItem, KindNumberedItem, KindQuote, KindDeleted:
		return NoProps{}
	default:
		return NoProps{}
	}
}

func (b *Block) boolProp(p Property) bool {
	if r, ok := b.props[p]; ok && r.Value.Bool != nil {
		return *r.Value.Bool
	}
	return false
}

func (b *Block) textProp(p Property) string {
	if r, ok := b.props[p]; ok && r.Value.Text != nil {
		return *r.Value.Text
	}
	return ""
}

// View is the client-facing rendering of a block.
type View struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	Content  string  `json:"content"`
	Key      string  `json:"key"`
	Checked  *bool   `json:"checked,omitempty"`
	Language *string `json:"language,omitempty"`
	Deleted  bool    `json:"deleted,omitempty"`
}

func (b *Block) View() View {
	v := View{
		ID:      b.id,
		Kind:    b.Kind(),
		Content: b.content.Value,
		Key:     b.key.Value,
		Deleted: b.Deleted(),
	}
	switch p := b.Props().(type) {
	case TodoProps:
		v.Checked = &p.Checked
	case CodeProps:
		v.Language = &p.Language
	case NoProps:
	}
	return v
}

func (b *Block) clone() *Block {
	cp := *b
	cp.props = maps.Clone(b.props)
	return &cp
}

// PropImage is one stored property register.
type PropImage struct {
	Name  Property `json:"name"`
	Value Value    `json:"value"`
	Stamp Stamp    `json:"stamp"`
}

// BlockImage is the durable form of a block with all register stamps.
type BlockImage struct {
	ID           string      `json:"id"`
	Created      Stamp       `json:"created"`
	Kind         Kind        `json:"kind"`
	KindStamp    Stamp       `json:"kindStamp"`
	Content      string      `json:"content"`
	ContentStamp Stamp       `json:"contentStamp"`
	Key          string      `json:"key"`
	KeyStamp     Stamp       `json:"keyStamp"`
	Props        []PropImage `json:"props,omitempty"`
	Deleted      Stamp       `json:"deleted"`
}

func (b *Block) image() BlockImage {
	img := BlockImage{
		ID:           b.id,
		Created:      b.created,
		Kind:         b.kind.Value,
		KindStamp:    b.kind.Stamp,
		Content:      b.content.Value,
		ContentStamp: b.content.Stamp,
		Key:          b.key.Value,
		KeyStamp:     b.key.Stamp,
		Deleted:      b.deleted,
	}
	names := slices.Sorted(maps.Keys(b.props))
	for _, name := range names {
		r := b.props[name]
		img.Props = append(img.Props, PropImage{Name: name, Value: r.Value, Stamp: r.Stamp})
	}
	return img
}

func blockFromImage(img BlockImage) *Block {
	b := &Block{
		id:      img.ID,
		created: img.Created,
		kind:    register[Kind]{Value: img.Kind, Stamp: img.KindStamp},
		content: register[string]{Value: img.Content, Stamp: img.ContentStamp},
		key:     register[string]{Value: img.Key, Stamp: img.KeyStamp},
		deleted: img.Deleted,
	}
	if len(img.Props) > 0 {
		b.props = make(map[Property]register[Value], len(img.Props))
		for _, p := range img.Props {
			b.props[p.Name] = register[Value]{Value: p.Value, Stamp: p.Stamp}
		}
	}
	return b
}
