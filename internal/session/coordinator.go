// Package session coordinates live editing. Every active document gets one
// hub goroutine that owns its Block Store, serializes submissions through
// resolve, append and apply, and fans the results out to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"quire/api/internal/block"
	"quire/api/internal/oplog"
	"quire/api/internal/presence"
	"quire/api/internal/rbac"
	"quire/api/internal/snapshot"
)

var (
	ErrUnauthorized = errors.New("session: unauthorized actor")
	ErrClosed       = errors.New("session: coordinator closed")
	// ErrSlowSubscriber ends a subscription whose buffer filled up.
	ErrSlowSubscriber = errors.New("session: subscriber too slow")
	ErrNotSubscribed  = errors.New("session: subscription not active")
	// ErrForeignActor rejects operations and connections that use an actor
	// id owned by a different user.
	ErrForeignActor = errors.New("session: actor belongs to another user")
)

// Identity is the verified caller behind a connection or request.
type Identity struct {
	UserID string
	Name   string
}

// Authorizer decides whether a user may act on a document.
type Authorizer interface {
	Allowed(ctx context.Context, documentID, userID string, action rbac.Action) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, documentID, userID string, action rbac.Action) (bool, error)

func (f AuthorizerFunc) Allowed(ctx context.Context, documentID, userID string, action rbac.Action) (bool, error) {
	return f(ctx, documentID, userID, action)
}

// AllowAll permits everything. Used by tests and single-user setups.
var AllowAll = AuthorizerFunc(func(context.Context, string, string, rbac.Action) (bool, error) {
	return true, nil
})

// Checkpoint is handed to a Checkpointer after a snapshot was taken.
type Checkpoint struct {
	DocumentID string
	Position   oplog.Position
	Snapshot   block.Snapshot
}

// Checkpointer receives document checkpoints, for example to refresh
// summaries, search indexes or history. It runs off the hub goroutine.
type Checkpointer interface {
	Checkpoint(ctx context.Context, cp Checkpoint)
}

// PresenceMirror copies presence entries to shared storage so every node
// sees who is online, wherever they are connected.
type PresenceMirror interface {
	Save(ctx context.Context, documentID string, e presence.Entry) error
	Delete(ctx context.Context, documentID, actorID string) error
	List(ctx context.Context, documentID string) ([]presence.Entry, error)
}

type Deps struct {
	Log          oplog.Log
	Snapshots    snapshot.Store
	Authorizer   Authorizer
	Checkpointer Checkpointer
	Presence     PresenceMirror
}

type Config struct {
	PresenceTTL        time.Duration
	HeartbeatInterval  time.Duration
	SnapshotEvery      int
	TombstoneTTL       time.Duration
	CompactionInterval time.Duration
	HubIdleTimeout     time.Duration
	AppendTimeout      time.Duration
	SubscriberBuffer   int
	IdleCacheSize      int
}

func (c Config) withDefaults() Config {
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 200
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 7 * 24 * time.Hour
	}
	if c.HubIdleTimeout <= 0 {
		c.HubIdleTimeout = 5 * time.Minute
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 10 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.IdleCacheSize <= 0 {
		c.IdleCacheSize = 128
	}
	return c
}

// Ack answers a submission.
type Ack struct {
	OpID     string         `json:"opId"`
	Position oplog.Position `json:"position"`
	Delta    *block.Delta   `json:"delta,omitempty"`
	// Discarded is set for operations the document had already applied.
	Discarded bool `json:"discarded,omitempty"`
}

// Compaction reports what Compact did.
type Compaction struct {
	Purged   int            `json:"purged"`
	Position oplog.Position `json:"position"`
}

// idleState is a retired hub's state, reusable while the log head matches.
type idleState struct {
	state *block.State
	head  oplog.Position
}

type Coordinator struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	hubs *xsync.MapOf[string, *hub]
	idle *lru.Cache[string, idleState]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Log == nil {
		return nil, fmt.Errorf("session: operation log is required")
	}
	if deps.Snapshots == nil {
		deps.Snapshots = snapshot.NewMemory()
	}
	if deps.Authorizer == nil {
		deps.Authorizer = AllowAll
	}
	cfg = cfg.withDefaults()
	idle, err := lru.New[string, idleState](cfg.IdleCacheSize)
	if err != nil {
		return nil, fmt.Errorf("session: idle cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		hubs:   xsync.NewMapOf[string, *hub](),
		idle:   idle,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close stops every hub. Hubs with unsnapshotted operations save a final
// snapshot first.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) authorize(ctx context.Context, documentID string, id Identity, action rbac.Action) error {
	ok, err := c.deps.Authorizer.Allowed(ctx, documentID, id.UserID, action)
	if err != nil {
		return fmt.Errorf("authorize %s on %s: %w", id.UserID, documentID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s may not %s %s", ErrUnauthorized, id.UserID, action, documentID)
	}
	return nil
}

func (c *Coordinator) hub(documentID string) *hub {
	h, _ := c.hubs.LoadOrCompute(documentID, func() *hub {
		h := newHub(c, documentID)
		c.wg.Add(1)
		go h.run(c.ctx)
		return h
	})
	return h
}

// do runs fn on the document's hub goroutine. A hub that retires between
// lookup and hand-off is replaced transparently.
func (c *Coordinator) do(ctx context.Context, documentID string, fn func(h *hub)) error {
	for {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		h := c.hub(documentID)
		select {
		case <-h.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if h.loadErr != nil {
			return h.loadErr
		}
		select {
		case h.reqs <- fn:
			return nil
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Submit authorizes op, then resolves, appends, applies and broadcasts it on
// the document's hub. Once the hub has accepted the operation it runs to
// completion even if ctx is cancelled; the caller just stops waiting.
func (c *Coordinator) Submit(ctx context.Context, id Identity, op block.Operation) (Ack, error) {
	return c.submit(ctx, id, op, nil)
}

// SubmitFrom submits op on behalf of a connected subscription. The op must
// carry the subscription's actor id. Besides being returned, the ack is
// queued on the subscription itself, after every delta that precedes it in
// the log and before every delta that follows.
func (c *Coordinator) SubmitFrom(ctx context.Context, sub *Subscription, op block.Operation) (Ack, error) {
	if op.Actor != sub.ActorID {
		OpsRejected.WithLabelValues("foreign_actor").Inc()
		return Ack{}, fmt.Errorf("%w: connection of %s submitted as %s", ErrForeignActor, sub.ActorID, op.Actor)
	}
	return c.submit(ctx, sub.Identity, op, sub)
}

func (c *Coordinator) submit(ctx context.Context, id Identity, op block.Operation, from *Subscription) (Ack, error) {
	if err := c.authorize(ctx, op.DocumentID, id, rbac.ActionWrite); err != nil {
		OpsRejected.WithLabelValues("unauthorized").Inc()
		return Ack{}, err
	}
	if !id.owns(op.Actor) {
		OpsRejected.WithLabelValues("foreign_actor").Inc()
		return Ack{}, fmt.Errorf("%w: %s may not write as %s", ErrForeignActor, id.UserID, op.Actor)
	}
	type result struct {
		ack Ack
		err error
	}
	reply := make(chan result, 1)
	detached := context.WithoutCancel(ctx)
	err := c.do(ctx, op.DocumentID, func(h *hub) {
		ack, err := h.submit(detached, op)
		if err == nil && from != nil {
			h.deliverAck(from, ack)
		}
		reply <- result{ack: ack, err: err}
	})
	if err != nil {
		return Ack{}, err
	}
	select {
	case r := <-reply:
		return r.ack, r.err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Connect subscribes an actor to a document. The first event on the
// subscription is the current snapshot with its log position; deltas follow
// in log order. An empty actorID gets a generated one owned by the caller.
func (c *Coordinator) Connect(ctx context.Context, documentID string, id Identity, actorID string) (*Subscription, error) {
	if err := c.authorize(ctx, documentID, id, rbac.ActionRead); err != nil {
		return nil, err
	}
	if actorID == "" {
		actorID = NewActorID(id.UserID)
	}
	if !id.owns(actorID) {
		return nil, fmt.Errorf("%w: %s may not connect as %s", ErrForeignActor, id.UserID, actorID)
	}
	sub := newSubscription(documentID, actorID, id, c.cfg.SubscriberBuffer)
	done := make(chan struct{})
	err := c.do(ctx, documentID, func(h *hub) {
		h.attach(sub)
		close(done)
	})
	if err != nil {
		return nil, err
	}
	<-done
	return sub, nil
}

// Disconnect ends a subscription, removes its presence and tells the other
// actors. Operations the actor already submitted are unaffected. A document
// whose hub already retired has nothing left to detach, so no hub is started
// for it.
func (c *Coordinator) Disconnect(sub *Subscription) {
	h, ok := c.hubs.Load(sub.DocumentID)
	if !ok {
		return
	}
	select {
	case <-h.ready:
	case <-h.done:
		return
	}
	if h.loadErr != nil {
		return
	}
	select {
	case h.reqs <- func(h *hub) { h.detach(sub, nil) }:
	case <-h.done:
	}
}

// Cursor records a caret report and broadcasts it to the other actors.
func (c *Coordinator) Cursor(ctx context.Context, sub *Subscription, blockID string, offset int) error {
	reply := make(chan error, 1)
	err := c.do(ctx, sub.DocumentID, func(h *hub) {
		reply <- h.cursor(sub, blockID, offset)
	})
	if err != nil {
		return err
	}
	return <-reply
}

// Heartbeat keeps a subscription's presence alive without moving it.
func (c *Coordinator) Heartbeat(ctx context.Context, sub *Subscription) error {
	return c.do(ctx, sub.DocumentID, func(h *hub) {
		h.heartbeat(sub)
	})
}

// Snapshot returns the visible document and the log position it covers.
func (c *Coordinator) Snapshot(ctx context.Context, id Identity, documentID string) (block.Snapshot, oplog.Position, error) {
	if err := c.authorize(ctx, documentID, id, rbac.ActionRead); err != nil {
		return block.Snapshot{}, 0, err
	}
	type result struct {
		snap block.Snapshot
		pos  oplog.Position
	}
	reply := make(chan result, 1)
	err := c.do(ctx, documentID, func(h *hub) {
		reply <- result{snap: h.state.Snapshot(), pos: h.head}
	})
	if err != nil {
		return block.Snapshot{}, 0, err
	}
	r := <-reply
	return r.snap, r.pos, nil
}

// Presence lists who is online in a document. With a mirror configured the
// answer spans every node; otherwise, or when the mirror fails, it is the
// local hub's view, which is empty for documents without an active hub.
func (c *Coordinator) Presence(ctx context.Context, documentID string) []presence.Entry {
	if mirror := c.deps.Presence; mirror != nil {
		entries, err := mirror.List(ctx, documentID)
		if err == nil {
			return entries
		}
		log.Printf("presence: list %s: %v", documentID, err)
	}
	h, ok := c.hubs.Load(documentID)
	if !ok {
		return []presence.Entry{}
	}
	return h.presence.List()
}

// Compact purges tombstones older than the configured TTL, persists a
// snapshot and truncates the log it covers.
func (c *Coordinator) Compact(ctx context.Context, documentID string) (Compaction, error) {
	type result struct {
		res Compaction
		err error
	}
	reply := make(chan result, 1)
	detached := context.WithoutCancel(ctx)
	err := c.do(ctx, documentID, func(h *hub) {
		res, err := h.compact(detached)
		reply <- result{res: res, err: err}
	})
	if err != nil {
		return Compaction{}, err
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return Compaction{}, ctx.Err()
	}
}

// Config returns the settings in effect, defaults filled in.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// ActiveDocuments returns the ids of documents with a running hub.
func (c *Coordinator) ActiveDocuments() []string {
	var ids []string
	c.hubs.Range(func(id string, _ *hub) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
