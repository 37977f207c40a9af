package block

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
)

// State is the materialized form of one document. It is owned by a single
// goroutine; nothing here is safe for concurrent use.
type State struct {
	documentID string
	title      register[string]
	revision   uint64
	blocks     map[string]*Block
	// order holds every block, tombstones included, sorted by (key, id).
	order   []*Block
	applied map[string]uint64
	retired map[string]struct{}
}

func New(documentID string) *State {
	return &State{
		documentID: documentID,
		blocks:     map[string]*Block{},
		applied:    map[string]uint64{},
		retired:    map[string]struct{}{},
	}
}

func (s *State) DocumentID() string { return s.documentID }
func (s *State) Title() string      { return s.title.Value }

// Revision counts the operations applied to the document.
func (s *State) Revision() uint64 { return s.revision }

// Applied returns the highest clock applied for actor.
func (s *State) Applied(actor string) uint64 { return s.applied[actor] }

// MaxClock is the largest clock applied by any actor.
func (s *State) MaxClock() uint64 {
	var top uint64
	for _, c := range s.applied {
		top = max(top, c)
	}
	return top
}

func (s *State) Block(id string) (*Block, bool) {
	b, ok := s.blocks[id]
	return b, ok
}

// Retired reports whether id belonged to a purged tombstone.
func (s *State) Retired(id string) bool {
	_, ok := s.retired[id]
	return ok
}

// Count is the number of blocks in canonical order, tombstones included.
func (s *State) Count() int { return len(s.order) }

// At returns the i-th block in canonical order.
func (s *State) At(i int) *Block { return s.order[i] }

// Index returns the canonical position of id, or -1.
func (s *State) Index(id string) int {
	b, ok := s.blocks[id]
	if !ok {
		return -1
	}
	i := s.search(b.key.Value, b.id)
	if i < len(s.order) && s.order[i] == b {
		return i
	}
	return -1
}

// Visible returns the live blocks in canonical order.
func (s *State) Visible() []*Block {
	out := make([]*Block, 0, len(s.order))
	for _, b := range s.order {
		if !b.Deleted() {
			out = append(out, b)
		}
	}
	return out
}

// Tombstones returns the ids of deleted blocks still held in the arena.
func (s *State) Tombstones() []string {
	var out []string
	for _, b := range s.order {
		if b.Deleted() {
			out = append(out, b.id)
		}
	}
	return out
}

func (s *State) search(key, id string) int {
	return sort.Search(len(s.order), func(i int) bool {
		b := s.order[i]
		if c := strings.Compare(b.key.Value, key); c != 0 {
			return c > 0
		}
		return b.id >= id
	})
}

func (s *State) link(b *Block) {
	i := s.search(b.key.Value, b.id)
	s.order = slices.Insert(s.order, i, b)
}

func (s *State) unlink(b *Block) {
	if i := s.Index(b.id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

// AddBlock creates a live block whose registers all carry stamp.
func (s *State) AddBlock(id string, kind Kind, content, key string, props map[Property]Value, stamp Stamp) (*Block, error) {
	if _, exists := s.blocks[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBlock, id)
	}
	if s.Retired(id) {
		return nil, fmt.Errorf("%w: %s was retired", ErrDuplicateBlock, id)
	}
	b := &Block{
		id:      id,
		created: stamp,
		kind:    register[Kind]{Value: kind, Stamp: stamp},
		content: register[string]{Value: content, Stamp: stamp},
		key:     register[string]{Value: key, Stamp: stamp},
	}
	if len(props) > 0 {
		b.props = make(map[Property]register[Value], len(props))
		for name, v := range props {
			b.props[name] = register[Value]{Value: v, Stamp: stamp}
		}
	}
	s.blocks[id] = b
	s.link(b)
	return b, nil
}

func (s *State) lookup(id string) (*Block, error) {
	b, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	return b, nil
}

// WriteContent applies an LWW content write and reports whether it won.
func (s *State) WriteContent(id, content string, stamp Stamp) (bool, error) {
	b, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	return b.content.set(content, stamp), nil
}

// WriteKind applies an LWW kind write. Content and properties are kept.
func (s *State) WriteKind(id string, kind Kind, stamp Stamp) (bool, error) {
	b, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	return b.kind.set(kind, stamp), nil
}

// WriteProperty applies an LWW write to one property register. The value is
// stored even when the current kind does not carry the property.
func (s *State) WriteProperty(id string, name Property, v Value, stamp Stamp) (bool, error) {
	b, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	r := b.props[name]
	if !r.set(v, stamp) {
		return false, nil
	}
	if b.props == nil {
		b.props = map[Property]register[Value]{}
	}
	b.props[name] = r
	return true, nil
}

// WriteKey applies an LWW key write and re-sorts the block.
func (s *State) WriteKey(id, key string, stamp Stamp) (bool, error) {
	b, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	if stamp.Compare(b.key.Stamp) <= 0 {
		return false, nil
	}
	s.unlink(b)
	b.key.set(key, stamp)
	s.link(b)
	return true, nil
}

// Tombstone marks a block deleted. The block keeps its id and key so that
// anchors referencing it still resolve; its kind, content and properties are
// cleared. Repeated deletes keep the greatest stamp.
func (s *State) Tombstone(id string, stamp Stamp) error {
	b, err := s.lookup(id)
	if err != nil {
		return err
	}
	if b.deleted.Compare(stamp) < 0 {
		b.deleted = stamp
	}
	b.kind = register[Kind]{}
	b.content = register[string]{}
	b.props = nil
	return nil
}

// WriteTitle applies an LWW title write.
func (s *State) WriteTitle(title string, stamp Stamp) bool {
	return s.title.set(title, stamp)
}

// Commit records that an operation carrying stamp was applied.
func (s *State) Commit(stamp Stamp) {
	if stamp.Clock > s.applied[stamp.Actor] {
		s.applied[stamp.Actor] = stamp.Clock
	}
	s.revision++
}

// Purge removes tombstones from the arena and retires their ids. Live
// blocks in ids are ignored. It returns the number of blocks removed.
func (s *State) Purge(ids []string) int {
	n := 0
	for _, id := range ids {
		b, ok := s.blocks[id]
		if !ok || !b.Deleted() {
			continue
		}
		s.unlink(b)
		delete(s.blocks, id)
		s.retired[id] = struct{}{}
		n++
	}
	return n
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	cp := &State{
		documentID: s.documentID,
		title:      s.title,
		revision:   s.revision,
		blocks:     make(map[string]*Block, len(s.blocks)),
		order:      make([]*Block, len(s.order)),
		applied:    maps.Clone(s.applied),
		retired:    maps.Clone(s.retired),
	}
	for i, b := range s.order {
		c := b.clone()
		cp.order[i] = c
		cp.blocks[c.id] = c
	}
	return cp
}

// Snapshot is the visible document handed to connecting actors.
type Snapshot struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Revision   uint64 `json:"revision"`
	Clock      uint64 `json:"clock"`
	Blocks     []View `json:"blocks"`
	Tombstones []View `json:"tombstones,omitempty"`
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		DocumentID: s.documentID,
		Title:      s.title.Value,
		Revision:   s.revision,
		Clock:      s.MaxClock(),
		Blocks:     []View{},
	}
	for _, b := range s.order {
		if b.Deleted() {
			snap.Tombstones = append(snap.Tombstones, b.View())
			continue
		}
		snap.Blocks = append(snap.Blocks, b.View())
	}
	return snap
}

// Image is the complete durable form of a State.
type Image struct {
	DocumentID string            `json:"documentId"`
	Title      string            `json:"title"`
	TitleStamp Stamp             `json:"titleStamp"`
	Revision   uint64            `json:"revision"`
	Blocks     []BlockImage      `json:"blocks"`
	Applied    map[string]uint64 `json:"applied"`
	Retired    []string          `json:"retired,omitempty"`
}

func (s *State) Image() Image {
	img := Image{
		DocumentID: s.documentID,
		Title:      s.title.Value,
		TitleStamp: s.title.Stamp,
		Revision:   s.revision,
		Blocks:     make([]BlockImage, 0, len(s.order)),
		Applied:    maps.Clone(s.applied),
		Retired:    slices.Sorted(maps.Keys(s.retired)),
	}
	for _, b := range s.order {
		img.Blocks = append(img.Blocks, b.image())
	}
	return img
}

// FromImage rebuilds a State from its durable form.
func FromImage(img Image) (*State, error) {
	s := New(img.DocumentID)
	s.title = register[string]{Value: img.Title, Stamp: img.TitleStamp}
	s.revision = img.Revision
	for actor, clock := range img.Applied {
		s.applied[actor] = clock
	}
	for _, id := range img.Retired {
		s.retired[id] = struct{}{}
	}
	for _, bi := range img.Blocks {
		if _, exists := s.blocks[bi.ID]; exists {
			return nil, fmt.Errorf("block: image repeats block %s", bi.ID)
		}
		b := blockFromImage(bi)
		s.blocks[b.id] = b
		s.link(b)
	}
	return s, nil
}
