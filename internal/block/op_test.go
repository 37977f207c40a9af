package block

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestOperationValidate(t *testing.T) {
	base := Operation{ID: "op-1", DocumentID: "doc-1", Actor: "alice", Clock: 1}

	tests := []struct {
		name    string
		payload Payload
		mutate  func(*Operation)
		wantErr bool
	}{
		{name: "insert", payload: InsertBlock{BlockID: "b1", Kind: KindParagraph, Content: "hi"}},
		{name: "insert with anchor", payload: InsertBlock{BlockID: "b1", Kind: KindQuote, After: "b0"}},
		{name: "insert with key", payload: InsertBlock{BlockID: "b1", Kind: KindQuote, Key: "a0"}},
		{name: "insert key and anchor", payload: InsertBlock{BlockID: "b1", Kind: KindQuote, Key: "a0", After: "b0"}, wantErr: true},
		{name: "insert anchored on itself", payload: InsertBlock{BlockID: "b1", Kind: KindQuote, After: "b1"}, wantErr: true},
		{name: "insert deleted kind", payload: InsertBlock{BlockID: "b1", Kind: KindDeleted}, wantErr: true},
		{name: "insert invalid utf8", payload: InsertBlock{BlockID: "b1", Kind: KindParagraph, Content: "\xff"}, wantErr: true},
		{name: "insert oversized", payload: InsertBlock{BlockID: "b1", Kind: KindParagraph, Content: strings.Repeat("x", MaxContentBytes+1)}, wantErr: true},
		{name: "insert bad key", payload: InsertBlock{BlockID: "b1", Kind: KindParagraph, Key: "a10"}, wantErr: true},
		{name: "insert bad property", payload: InsertBlock{BlockID: "b1", Kind: KindTodoItem, Properties: map[Property]Value{PropChecked: TextValue("yes")}}, wantErr: true},
		{name: "delete", payload: DeleteBlock{BlockID: "b1"}},
		{name: "delete without id", payload: DeleteBlock{}, wantErr: true},
		{name: "update kind", payload: UpdateKind{BlockID: "b1", Kind: KindHeading2}},
		{name: "update unknown kind", payload: UpdateKind{BlockID: "b1", Kind: "table"}, wantErr: true},
		{name: "update property", payload: UpdateProperty{BlockID: "b1", Name: PropLanguage, Value: TextValue("go")}},
		{name: "update unknown property", payload: UpdateProperty{BlockID: "b1", Name: "color", Value: TextValue("red")}, wantErr: true},
		{name: "move", payload: MoveBlock{BlockID: "b1", After: "b2"}},
		{name: "set title", payload: SetTitle{Title: "Notes"}},
		{name: "zero clock", payload: SetTitle{Title: "Notes"}, mutate: func(o *Operation) { o.Clock = 0 }, wantErr: true},
		{name: "missing actor", payload: SetTitle{Title: "Notes"}, mutate: func(o *Operation) { o.Actor = " " }, wantErr: true},
		{name: "missing payload", mutate: func(o *Operation) {}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := base
			op.Payload = tt.payload
			if tt.mutate != nil {
				tt.mutate(&op)
			}
			err := op.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOperation) {
					t.Fatalf("Validate() error = %v, want ErrInvalidOperation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestCompareOrder(t *testing.T) {
	a := Operation{Actor: "a", Clock: 2, Seq: 9}
	b := Operation{Actor: "b", Clock: 2, Seq: 1}
	c := Operation{Actor: "a", Clock: 3, Seq: 1}
	if CompareOrder(a, b) >= 0 || CompareOrder(b, c) >= 0 {
		t.Fatalf("expected a < b < c")
	}
	if CompareOrder(a, Operation{Actor: "a", Clock: 2, Seq: 10}) >= 0 {
		t.Fatalf("seq should break ties")
	}
}

func TestKeyBetween(t *testing.T) {
	first, err := KeyBetween("", "")
	if err != nil {
		t.Fatalf("KeyBetween() error = %v", err)
	}
	next, err := KeyBetween(first, "")
	if err != nil {
		t.Fatalf("KeyBetween() error = %v", err)
	}
	mid, err := KeyBetween(first, next)
	if err != nil {
		t.Fatalf("KeyBetween() error = %v", err)
	}
	if !(first < mid && mid < next) {
		t.Fatalf("keys out of order: %q %q %q", first, mid, next)
	}
	for _, k := range []string{first, next, mid} {
		if !ValidKey(k) {
			t.Fatalf("ValidKey(%q) = false", k)
		}
	}
	if _, err := KeyBetween(next, first); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("KeyBetween(reversed) error = %v", err)
	}
}

func TestValidKey(t *testing.T) {
	for key, want := range map[string]bool{
		"a0":  true,
		"a1V": true,
		"Zz":  true,
		"b00": true,
		"":    false,
		"a":   false,
		"a10": false,
		"a0!": false,
		"0a":  false,
	} {
		if got := ValidKey(key); got != want {
			t.Errorf("ValidKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestClock(t *testing.T) {
	var c Clock
	if v, err := c.Tick(); err != nil || v != 1 {
		t.Fatalf("first tick = %d, %v; want 1", v, err)
	}
	c.Observe(7)
	if v, _ := c.Tick(); v != 8 {
		t.Fatalf("tick after observing 7 = %d, want 8", v)
	}
	c.Observe(3)
	if c.Now() != 8 {
		t.Fatalf("observe must not move the clock backwards")
	}
}

func TestClockDoesNotWrap(t *testing.T) {
	var c Clock
	c.Observe(math.MaxUint64 - 1)
	if v, err := c.Tick(); err != nil || v != math.MaxUint64 {
		t.Fatalf("tick to max = %d, %v", v, err)
	}
	v, err := c.Tick()
	if !errors.Is(err, ErrClockExhausted) || v != 0 {
		t.Fatalf("tick past max = %d, %v; want ErrClockExhausted", v, err)
	}
	if c.Now() != math.MaxUint64 {
		t.Fatalf("failed tick moved the clock to %d", c.Now())
	}
}
