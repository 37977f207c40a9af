package block

// Delta describes the visible effect of one applied operation. Blocks holds
// the post-apply view of every block the operation touched; a tombstoned
// block is reported with Deleted set.
type Delta struct {
	DocumentID string  `json:"documentId"`
	Revision   uint64  `json:"revision"`
	OpID       string  `json:"opId"`
	Actor      string  `json:"actorId"`
	Clock      uint64  `json:"clock"`
	Kind       OpKind  `json:"kind"`
	Blocks     []View  `json:"blocks,omitempty"`
	Title      *string `json:"title,omitempty"`
	// Changed is false when the operation lost every LWW comparison it made.
	Changed bool `json:"changed"`
}
