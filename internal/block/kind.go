package block

import "fmt"

// Kind is the structural type of a block.
type Kind string

const (
	KindParagraph    Kind = "paragraph"
	KindHeading1     Kind = "heading_1"
	KindHeading2     Kind = "heading_2"
	KindHeading3     Kind = "heading_3"
	KindBulletItem   Kind = "bullet_item"
	KindNumberedItem Kind = "numbered_item"
	KindTodoItem     Kind = "todo_item"
	KindQuote        Kind = "quote"
	KindCode         Kind = "code"

	// KindDeleted is reported for tombstones. Operations may never set it.
	KindDeleted Kind = "deleted"
)

// Kinds lists every kind an operation may assign, in display order.
var Kinds = []Kind{
	KindParagraph,
	KindHeading1,
	KindHeading2,
	KindHeading3,
	KindBulletItem,
	KindNumberedItem,
	KindTodoItem,
	KindQuote,
	KindCode,
}

func (k Kind) Valid() bool {
	switch k {
	case KindParagraph, KindHeading1, KindHeading2, KindHeading3,
		KindBulletItem, KindNumberedItem, KindTodoItem, KindQuote, KindCode:
		return true
	default:
		return false
	}
}

// Properties lists the properties carried by blocks of kind k.
func (k Kind) Properties() []Property {
	switch k {
	case KindTodoItem:
		return []Property{PropChecked}
	case KindCode:
		return []Property{PropLanguage}
	case KindParagraph, KindHeading1, KindHeading2, KindHeading3,
		KindBulletItem, KindNumberedItem, KindQuote, KindDeleted:
		return nil
	default:
		return nil
	}
}

// Carries reports whether blocks of kind k expose property p.
func (k Kind) Carries(p Property) bool {
	for _, candidate := range k.Properties() {
		if candidate == p {
			return true
		}
	}
	return false
}

// Property names a kind-specific block attribute.
type Property string

const (
	PropChecked  Property = "checked"
	PropLanguage Property = "language"
)

func (p Property) Valid() bool {
	return p == PropChecked || p == PropLanguage
}

// Value holds a property value. Checked uses Bool, Language uses Text.
type Value struct {
	Bool *bool   `json:"bool,omitempty"`
	Text *string `json:"text,omitempty"`
}

func BoolValue(v bool) Value {
	return Value{Bool: &v}
}

func TextValue(v string) Value {
	return Value{Text: &v}
}

// Check reports whether v is well-typed for p.
func (p Property) Check(v Value) error {
	switch p {
	case PropChecked:
		if v.Bool == nil || v.Text != nil {
			return fmt.Errorf("%w: property %q takes a boolean", ErrInvalidOperation, p)
		}
	case PropLanguage:
		if v.Text == nil || v.Bool != nil {
			return fmt.Errorf("%w: property %q takes a string", ErrInvalidOperation, p)
		}
		if len(*v.Text) > maxLanguageBytes {
			return fmt.Errorf("%w: language name too long", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown property %q", ErrInvalidOperation, p)
	}
	return nil
}

// Props is the closed set of kind-specific property bundles. Each kind maps
// to exactly one variant.
type Props interface {
	props()
}

// NoProps is carried by kinds without properties.
type NoProps struct{}

// TodoProps is carried by todo items.
type TodoProps struct {
	Checked bool
}

// CodeProps is carried by code blocks.
type CodeProps struct {
	Language string
}

func (NoProps) props()   {}
func (TodoProps) props() {}
func (CodeProps) props() {}
