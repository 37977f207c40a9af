package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"quire/api/internal/block"
	"quire/api/internal/merge"
	"quire/api/internal/oplog"
	"quire/api/internal/presence"
	"quire/api/internal/snapshot"
)

const (
	mirrorTimeout     = 2 * time.Second
	checkpointTimeout = 30 * time.Second
)

// hub owns one document. Every field below ready is touched only by the hub
// goroutine.
type hub struct {
	c  *Coordinator
	id string

	reqs  chan func(*hub)
	ready chan struct{}
	done  chan struct{}
	// loadErr is written before ready is closed.
	loadErr error

	state         *block.State
	head          oplog.Position
	sinceSnapshot int
	subs          map[string]*Subscription
	presence      *presence.Tracker
	// deletedAt is the wall time each tombstone was seen, for compaction.
	deletedAt  map[string]time.Time
	lastActive time.Time
	// broken is set when the state no longer matches the log.
	broken bool
}

func newHub(c *Coordinator, documentID string) *hub {
	return &hub{
		c:         c,
		id:        documentID,
		reqs:      make(chan func(*hub)),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		subs:      map[string]*Subscription{},
		presence:  presence.NewTracker(c.cfg.PresenceTTL),
		deletedAt: map[string]time.Time{},
	}
}

func (h *hub) run(ctx context.Context) {
	defer h.c.wg.Done()
	defer close(h.done)

	if err := h.load(ctx); err != nil {
		h.loadErr = fmt.Errorf("session: load %s: %w", h.id, err)
		log.Printf("%v", h.loadErr)
		h.c.hubs.Delete(h.id)
		close(h.ready)
		return
	}
	close(h.ready)
	ActiveHubs.Inc()
	defer ActiveHubs.Dec()

	heartbeat := time.NewTicker(h.c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	var compaction <-chan time.Time
	if h.c.cfg.CompactionInterval > 0 {
		t := time.NewTicker(h.c.cfg.CompactionInterval)
		defer t.Stop()
		compaction = t.C
	}

	for {
		select {
		case fn := <-h.reqs:
			fn(h)
			h.lastActive = h.c.now()
			if h.broken {
				h.retire(false)
				return
			}
		case <-heartbeat.C:
			h.expirePresence()
			if len(h.subs) == 0 && h.c.now().Sub(h.lastActive) >= h.c.cfg.HubIdleTimeout {
				h.retire(true)
				return
			}
		case <-compaction:
			if _, err := h.compact(ctx); err != nil {
				log.Printf("session: compact %s: %v", h.id, err)
			}
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// load restores the document from the idle cache when it is still current,
// otherwise from the latest snapshot plus the log after it.
func (h *hub) load(ctx context.Context) error {
	head, err := h.c.deps.Log.Head(ctx, h.id)
	if err != nil {
		return fmt.Errorf("log head: %w", err)
	}
	if cached, ok := h.c.idle.Get(h.id); ok {
		h.c.idle.Remove(h.id)
		if cached.head == head {
			h.install(cached.state, head)
			return nil
		}
	}

	state := block.New(h.id)
	var from oplog.Position
	snap, err := h.c.deps.Snapshots.Latest(ctx, h.id)
	switch {
	case err == nil:
		state, err = block.FromImage(snap.Image)
		if err != nil {
			return fmt.Errorf("restore snapshot at %d: %w", snap.Position, err)
		}
		from = snap.Position
	case errors.Is(err, snapshot.ErrNotFound):
	default:
		return fmt.Errorf("latest snapshot: %w", err)
	}

	entries, err := oplog.Collect(ctx, h.c.deps.Log, h.id, from)
	if err != nil {
		return fmt.Errorf("read log after %d: %w", from, err)
	}
	if err := merge.ReplayOnto(state, oplog.Operations(entries)); err != nil {
		return err
	}
	pos := from
	if len(entries) > 0 {
		pos = entries[len(entries)-1].Position
	}
	h.install(state, pos)
	h.sinceSnapshot = len(entries)
	return nil
}

func (h *hub) install(state *block.State, head oplog.Position) {
	h.state = state
	h.head = head
	h.lastActive = h.c.now()
	// Deletion times are not persisted; restored tombstones age from now.
	for _, id := range state.Tombstones() {
		h.deletedAt[id] = h.lastActive
	}
}

func (h *hub) submit(ctx context.Context, op block.Operation) (Ack, error) {
	resolved, err := merge.Resolve(h.state, op)
	if errors.Is(err, block.ErrStaleClock) {
		OpsRejected.WithLabelValues(rejectReason(err)).Inc()
		return Ack{OpID: op.ID, Position: h.head, Discarded: true}, nil
	}
	if err != nil {
		OpsRejected.WithLabelValues(rejectReason(err)).Inc()
		return Ack{}, err
	}

	appendCtx, cancel := context.WithTimeout(ctx, h.c.cfg.AppendTimeout)
	started := time.Now()
	pos, err := h.c.deps.Log.Append(appendCtx, h.id, resolved)
	cancel()
	AppendDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		OpsRejected.WithLabelValues(rejectReason(oplog.ErrAppend)).Inc()
		log.Printf("session: append %s to %s: %v", op.ID, h.id, err)
		if !errors.Is(err, oplog.ErrAppend) {
			err = fmt.Errorf("%w: %v", oplog.ErrAppend, err)
		}
		return Ack{}, err
	}

	delta, err := merge.Apply(h.state, resolved)
	if err != nil {
		log.Printf("session: apply %s to %s after append at %d: %v", op.ID, h.id, pos, err)
		h.broken = true
		return Ack{}, fmt.Errorf("session: apply %s: %w", op.ID, err)
	}
	h.head = pos
	OpsApplied.WithLabelValues(string(resolved.Kind())).Inc()
	if resolved.Kind() == block.OpDeleteBlock {
		h.deletedAt[resolved.Target()] = h.c.now()
	}

	h.broadcast(Event{Kind: EventDelta, Position: pos, Delta: &delta}, resolved.Actor)

	h.sinceSnapshot++
	if h.sinceSnapshot >= h.c.cfg.SnapshotEvery {
		h.checkpoint()
	}
	return Ack{OpID: op.ID, Position: pos, Delta: &delta}, nil
}

// broadcast offers ev to every subscriber except those of actor. Full
// buffers get their subscriber dropped instead of stalling the hub.
func (h *hub) broadcast(ev Event, except string) {
	var slow []*Subscription
	for _, sub := range h.subs {
		if sub.ActorID == except {
			continue
		}
		if !sub.offer(ev) {
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.detach(sub, ErrSlowSubscriber)
	}
}

// deliverAck queues ack on sub if it is still attached.
func (h *hub) deliverAck(sub *Subscription, ack Ack) {
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	if !sub.offer(Event{Kind: EventAck, Position: ack.Position, Ack: &ack}) {
		h.detach(sub, ErrSlowSubscriber)
	}
}

func (h *hub) attach(sub *Subscription) {
	snap := h.state.Snapshot()
	entry := h.presence.Update(presence.Entry{
		ActorID: sub.ActorID,
		UserID:  sub.Identity.UserID,
		Name:    sub.Identity.Name,
	})
	sub.offer(Event{
		Kind:     EventSnapshot,
		Position: h.head,
		Snapshot: &snap,
		Online:   h.presence.List(),
	})
	h.subs[sub.ID] = sub
	ActiveSubscribers.Inc()
	h.broadcast(Event{Kind: EventPresence, Presence: &entry}, sub.ActorID)
	h.mirrorSave(entry)
}

func (h *hub) detach(sub *Subscription, err error) {
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	ActiveSubscribers.Dec()
	if errors.Is(err, ErrSlowSubscriber) {
		DroppedSubscribers.Inc()
		log.Printf("session: dropped slow subscriber %s on %s", sub.ActorID, h.id)
	}
	sub.close(err)

	if h.actorConnected(sub.ActorID) {
		return
	}
	if entry, ok := h.presence.Remove(sub.ActorID); ok {
		h.broadcast(Event{Kind: EventPresenceLeft, Presence: &entry}, sub.ActorID)
	}
	h.mirrorDelete(sub.ActorID)
}

func (h *hub) actorConnected(actorID string) bool {
	for _, sub := range h.subs {
		if sub.ActorID == actorID {
			return true
		}
	}
	return false
}

func (h *hub) cursor(sub *Subscription, blockID string, offset int) error {
	if _, ok := h.subs[sub.ID]; !ok {
		return ErrNotSubscribed
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative cursor offset", block.ErrInvalidOperation)
	}
	if blockID != "" {
		if b, ok := h.state.Block(blockID); !ok || b.Deleted() {
			return fmt.Errorf("%w: %s", block.ErrUnknownBlock, blockID)
		}
	}
	entry := h.presence.Update(presence.Entry{
		ActorID: sub.ActorID,
		UserID:  sub.Identity.UserID,
		Name:    sub.Identity.Name,
		BlockID: blockID,
		Offset:  offset,
	})
	h.broadcast(Event{Kind: EventPresence, Presence: &entry}, sub.ActorID)
	h.mirrorSave(entry)
	return nil
}

func (h *hub) heartbeat(sub *Subscription) {
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	if h.presence.Touch(sub.ActorID) {
		if e, ok := h.presence.Get(sub.ActorID); ok {
			h.mirrorSave(e)
		}
		return
	}
	// The entry expired while the connection stayed open.
	entry := h.presence.Update(presence.Entry{
		ActorID: sub.ActorID,
		UserID:  sub.Identity.UserID,
		Name:    sub.Identity.Name,
	})
	h.broadcast(Event{Kind: EventPresence, Presence: &entry}, sub.ActorID)
	h.mirrorSave(entry)
}

func (h *hub) expirePresence() {
	for _, e := range h.presence.Expire() {
		h.broadcast(Event{Kind: EventPresenceLeft, Presence: &e}, e.ActorID)
		h.mirrorDelete(e.ActorID)
	}
}

func (h *hub) mirrorSave(e presence.Entry) {
	mirror := h.c.deps.Presence
	if mirror == nil {
		return
	}
	h.c.wg.Add(1)
	go func() {
		defer h.c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := mirror.Save(ctx, h.id, e); err != nil {
			log.Printf("presence: mirror %s on %s: %v", e.ActorID, h.id, err)
		}
	}()
}

func (h *hub) mirrorDelete(actorID string) {
	mirror := h.c.deps.Presence
	if mirror == nil {
		return
	}
	h.c.wg.Add(1)
	go func() {
		defer h.c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := mirror.Delete(ctx, h.id, actorID); err != nil {
			log.Printf("presence: remove %s on %s: %v", actorID, h.id, err)
		}
	}()
}

func (h *hub) capture() (snapshot.Snapshot, block.Snapshot) {
	return snapshot.Snapshot{
		DocumentID: h.id,
		Position:   h.head,
		Image:      h.state.Image(),
		CreatedAt:  h.c.now().UTC(),
	}, h.state.Snapshot()
}

// checkpoint persists the current state without blocking the hub.
func (h *hub) checkpoint() {
	snap, view := h.capture()
	h.sinceSnapshot = 0
	h.c.wg.Add(1)
	go func() {
		defer h.c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
		defer cancel()
		if err := h.c.persist(ctx, snap, view); err != nil {
			log.Printf("session: checkpoint %s at %d: %v", h.id, snap.Position, err)
		}
	}()
}

func (c *Coordinator) persist(ctx context.Context, snap snapshot.Snapshot, view block.Snapshot) error {
	if err := c.deps.Snapshots.Save(ctx, snap); err != nil {
		Checkpoints.WithLabelValues("failed").Inc()
		return fmt.Errorf("save snapshot: %w", err)
	}
	Checkpoints.WithLabelValues("ok").Inc()
	if c.deps.Checkpointer != nil {
		c.deps.Checkpointer.Checkpoint(ctx, Checkpoint{DocumentID: snap.DocumentID, Position: snap.Position, Snapshot: view})
	}
	return nil
}

// compact purges old tombstones on a copy of the state, saves it as a
// snapshot and only then swaps it in and truncates the log.
func (h *hub) compact(ctx context.Context) (Compaction, error) {
	cutoff := h.c.now().Add(-h.c.cfg.TombstoneTTL)
	var ids []string
	for _, id := range h.state.Tombstones() {
		if at, ok := h.deletedAt[id]; ok && !at.After(cutoff) {
			ids = append(ids, id)
		}
	}
	next := h.state.Clone()
	purged := next.Purge(ids)

	snap := snapshot.Snapshot{
		DocumentID: h.id,
		Position:   h.head,
		Image:      next.Image(),
		CreatedAt:  h.c.now().UTC(),
	}
	saveCtx, cancel := context.WithTimeout(ctx, checkpointTimeout)
	defer cancel()
	if err := h.c.deps.Snapshots.Save(saveCtx, snap); err != nil {
		Checkpoints.WithLabelValues("failed").Inc()
		return Compaction{}, fmt.Errorf("save snapshot: %w", err)
	}
	Checkpoints.WithLabelValues("ok").Inc()
	h.state = next
	for _, id := range ids {
		delete(h.deletedAt, id)
	}
	h.sinceSnapshot = 0

	res := Compaction{Purged: purged, Position: h.head}
	if err := h.c.deps.Log.Truncate(saveCtx, h.id, h.head+1); err != nil {
		// The snapshot is durable; a later compaction retries the truncation.
		log.Printf("session: truncate %s before %d: %v", h.id, h.head+1, err)
	}
	if purged > 0 {
		log.Printf("session: compacted %s: purged %d tombstones at %d", h.id, purged, h.head)
	}
	if notify := h.c.deps.Checkpointer; notify != nil {
		cp := Checkpoint{DocumentID: h.id, Position: h.head, Snapshot: next.Snapshot()}
		h.c.wg.Add(1)
		go func() {
			defer h.c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
			defer cancel()
			notify.Checkpoint(ctx, cp)
		}()
	}
	return res, nil
}

// retire stops an idle or broken hub. Idle state is cached so a quick
// reconnect skips replay.
func (h *hub) retire(cache bool) {
	if cache {
		if h.sinceSnapshot > 0 {
			h.checkpoint()
		}
		h.c.idle.Add(h.id, idleState{state: h.state, head: h.head})
	} else {
		h.c.idle.Remove(h.id)
		h.closeAll(ErrClosed)
	}
	h.c.hubs.Delete(h.id)
}

func (h *hub) shutdown() {
	h.closeAll(ErrClosed)
	if h.sinceSnapshot == 0 {
		return
	}
	snap, view := h.capture()
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := h.c.persist(ctx, snap, view); err != nil {
		log.Printf("session: final snapshot %s: %v", h.id, err)
	}
}

func (h *hub) closeAll(err error) {
	for id, sub := range h.subs {
		delete(h.subs, id)
		ActiveSubscribers.Dec()
		sub.close(err)
		h.presence.Remove(sub.ActorID)
		h.mirrorDelete(sub.ActorID)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, block.ErrStaleClock):
		return "stale_clock"
	case errors.Is(err, block.ErrUnknownBlock):
		return "unknown_block"
	case errors.Is(err, block.ErrDuplicateBlock):
		return "duplicate_block"
	case errors.Is(err, block.ErrCausality):
		return "causality"
	case errors.Is(err, block.ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, oplog.ErrAppend):
		return "append_failed"
	default:
		return "other"
	}
}
