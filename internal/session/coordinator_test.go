package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"quire/api/internal/block"
	"quire/api/internal/merge"
	"quire/api/internal/oplog"
	"quire/api/internal/rbac"
	"quire/api/internal/snapshot"
)

const testDoc = "doc-1"

var (
	alice = Identity{UserID: "alice", Name: "Alice"}
	bob   = Identity{UserID: "bob", Name: "Bob"}
)

func newTestCoordinator(t *testing.T, deps Deps, cfg Config) *Coordinator {
	t.Helper()
	if deps.Log == nil {
		deps.Log = oplog.NewMemory()
	}
	c, err := NewCoordinator(deps, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func insertOp(actor string, clock uint64, id, after string) block.Operation {
	return block.Operation{
		ID:         fmt.Sprintf("op-%s-%d", actor, clock),
		DocumentID: testDoc,
		Actor:      actor,
		Clock:      clock,
		Seq:        clock,
		Payload:    block.InsertBlock{BlockID: id, Kind: block.KindParagraph, Content: id, After: after},
	}
}

func deleteOp(actor string, clock uint64, id string) block.Operation {
	return block.Operation{
		ID:         fmt.Sprintf("op-%s-%d", actor, clock),
		DocumentID: testDoc,
		Actor:      actor,
		Clock:      clock,
		Seq:        clock,
		Payload:    block.DeleteBlock{BlockID: id},
	}
}

func connect(t *testing.T, c *Coordinator, id Identity, actor string) *Subscription {
	t.Helper()
	sub, err := c.Connect(context.Background(), testDoc, id, actor)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", actor, err)
	}
	return sub
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription %s closed: %v", sub.ActorID, sub.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event for %s", sub.ActorID)
	}
	return Event{}
}

// nextOf skips events until one of the given kind arrives.
func nextOf(t *testing.T, sub *Subscription, kind EventKind) Event {
	t.Helper()
	for {
		if ev := next(t, sub); ev.Kind == kind {
			return ev
		}
	}
}

func assertNoDelta(t *testing.T, sub *Subscription) {
	t.Helper()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind == EventDelta {
				t.Fatalf("unexpected delta for %s: %+v", sub.ActorID, ev.Delta)
			}
		default:
			return
		}
	}
}

func submit(t *testing.T, c *Coordinator, id Identity, op block.Operation) Ack {
	t.Helper()
	ack, err := c.Submit(context.Background(), id, op)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", op.ID, err)
	}
	return ack
}

func visibleIDs(snap block.Snapshot) []string {
	ids := make([]string, 0, len(snap.Blocks))
	for _, b := range snap.Blocks {
		ids = append(ids, b.ID)
	}
	return ids
}

func TestConnectDeliversSnapshotThenDeltas(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{})
	submit(t, c, bob, insertOp("bob", 1, "b1", ""))

	sub := connect(t, c, alice, "alice")
	first := next(t, sub)
	if first.Kind != EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", first.Kind)
	}
	if first.Position != 1 || len(first.Snapshot.Blocks) != 1 {
		t.Fatalf("snapshot at %d with %d blocks", first.Position, len(first.Snapshot.Blocks))
	}
	if len(first.Online) != 1 || first.Online[0].ActorID != "alice" {
		t.Fatalf("online = %+v", first.Online)
	}

	submit(t, c, bob, insertOp("bob", 2, "b2", "b1"))
	submit(t, c, bob, deleteOp("bob", 3, "b1"))

	for want := oplog.Position(2); want <= 3; want++ {
		ev := nextOf(t, sub, EventDelta)
		if ev.Position != want {
			t.Fatalf("delta position = %d, want %d", ev.Position, want)
		}
	}
}

func TestSubmitIsNotEchoedToIssuer(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{})
	aliceSub := connect(t, c, alice, "alice")
	bobSub := connect(t, c, bob, "bob")
	next(t, bobSub)

	ack := submit(t, c, bob, insertOp("bob", 1, "b1", ""))
	if ack.Position != 1 || ack.Delta == nil || !ack.Delta.Changed {
		t.Fatalf("ack = %+v", ack)
	}

	if ev := nextOf(t, aliceSub, EventDelta); ev.Delta.OpID != "op-bob-1" {
		t.Fatalf("alice got delta for %s", ev.Delta.OpID)
	}
	assertNoDelta(t, bobSub)
}

func TestDisconnectMidSubmissionStillAppliesAndBroadcasts(t *testing.T) {
	memLog := oplog.NewMemory()
	entered := make(chan struct{})
	release := make(chan struct{})
	memLog.FailAppend = func(block.Operation) error {
		close(entered)
		<-release
		return nil
	}
	c := newTestCoordinator(t, Deps{Log: memLog}, Config{})
	aliceSub := connect(t, c, alice, "alice")
	bobSub := connect(t, c, bob, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, bob, insertOp("bob", 1, "b1", ""))
		errc <- err
	}()

	<-entered
	cancel()
	go c.Disconnect(bobSub)
	close(release)
	<-errc

	ev := nextOf(t, aliceSub, EventDelta)
	if ev.Position != 1 || ev.Delta.Blocks[0].ID != "b1" {
		t.Fatalf("delta = %+v", ev)
	}
	left := nextOf(t, aliceSub, EventPresenceLeft)
	if left.Presence.ActorID != "bob" {
		t.Fatalf("presence left for %s, want bob", left.Presence.ActorID)
	}

	head, err := memLog.Head(context.Background(), testDoc)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head != 1 {
		t.Fatalf("Head() = %d, want 1", head)
	}
	if bobSub.Err() != nil {
		t.Fatalf("bob Err() = %v, want nil", bobSub.Err())
	}
}

func TestAppendFailureIsNotApplied(t *testing.T) {
	memLog := oplog.NewMemory()
	memLog.FailAppend = func(block.Operation) error { return errors.New("disk full") }
	c := newTestCoordinator(t, Deps{Log: memLog}, Config{})
	aliceSub := connect(t, c, alice, "alice")
	next(t, aliceSub)

	_, err := c.Submit(context.Background(), bob, insertOp("bob", 1, "b1", ""))
	if !errors.Is(err, oplog.ErrAppend) {
		t.Fatalf("Submit() error = %v, want ErrAppend", err)
	}
	assertNoDelta(t, aliceSub)

	snap, pos, err := c.Snapshot(context.Background(), alice, testDoc)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if pos != 0 || snap.Revision != 0 || len(snap.Blocks) != 0 {
		t.Fatalf("snapshot after failed append = %+v at %d", snap, pos)
	}

	memLog.FailAppend = nil
	ack := submit(t, c, bob, insertOp("bob", 1, "b1", ""))
	if ack.Position != 1 {
		t.Fatalf("retry position = %d, want 1", ack.Position)
	}
}

func TestStaleOperationIsDiscarded(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{})
	submit(t, c, bob, insertOp("bob", 2, "b1", ""))

	ack := submit(t, c, bob, insertOp("bob", 2, "b1", ""))
	if !ack.Discarded || ack.Position != 1 {
		t.Fatalf("ack = %+v, want discarded at 1", ack)
	}
	ack = submit(t, c, bob, insertOp("bob", 1, "b0", ""))
	if !ack.Discarded {
		t.Fatalf("older clock was not discarded: %+v", ack)
	}
}

func TestSubmitRejections(t *testing.T) {
	auth := AuthorizerFunc(func(_ context.Context, _, userID string, action rbac.Action) (bool, error) {
		if userID == "usr_viewer" {
			return rbac.Can(rbac.RoleViewer, action), nil
		}
		return true, nil
	})
	memLog := oplog.NewMemory()
	c := newTestCoordinator(t, Deps{Log: memLog, Authorizer: auth}, Config{})
	submit(t, c, bob, insertOp("bob", 1, "b1", ""))

	cases := []struct {
		name string
		id   Identity
		op   block.Operation
		want error
	}{
		{name: "viewer", id: Identity{UserID: "usr_viewer"}, op: insertOp("eve", 1, "e1", ""), want: ErrUnauthorized},
		{name: "unknown block", id: bob, op: deleteOp("bob", 2, "missing"), want: block.ErrUnknownBlock},
		{name: "unknown anchor", id: bob, op: insertOp("bob", 3, "b3", "missing"), want: block.ErrUnknownBlock},
		{name: "duplicate id", id: alice, op: insertOp("alice", 5, "b1", ""), want: block.ErrDuplicateBlock},
		{name: "unobserved block", id: alice, op: deleteOp("alice", 1, "b1"), want: block.ErrCausality},
		{name: "malformed", id: alice, op: insertOp("alice", 6, "", ""), want: block.ErrInvalidOperation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Submit(context.Background(), tc.id, tc.op)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Submit() error = %v, want %v", err, tc.want)
			}
		})
	}

	head, _ := memLog.Head(context.Background(), testDoc)
	if head != 1 {
		t.Fatalf("rejected operations were logged: head = %d", head)
	}
}

func TestConcurrentSubmittersConverge(t *testing.T) {
	memLog := oplog.NewMemory()
	c := newTestCoordinator(t, Deps{Log: memLog}, Config{})
	submit(t, c, Identity{UserID: "root"}, insertOp("root", 1, "root", ""))

	const actors, perActor = 4, 25
	var wg sync.WaitGroup
	for a := 0; a < actors; a++ {
		actor := fmt.Sprintf("actor-%d", a)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perActor; i++ {
				op := insertOp(actor, uint64(i+2), fmt.Sprintf("%s-%d", actor, i), "root")
				if _, err := c.Submit(context.Background(), Identity{UserID: actor}, op); err != nil {
					t.Errorf("Submit(%s) error = %v", op.ID, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	snap, pos, err := c.Snapshot(context.Background(), alice, testDoc)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if pos != actors*perActor+1 || len(snap.Blocks) != actors*perActor+1 {
		t.Fatalf("position %d with %d blocks", pos, len(snap.Blocks))
	}

	entries, err := oplog.Collect(context.Background(), memLog, testDoc, 0)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	replayed, err := merge.Replay(testDoc, oplog.Operations(entries))
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if got, want := visibleIDs(replayed.Snapshot()), visibleIDs(snap); !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed order differs\n got %v\nwant %v", got, want)
	}
}

func TestHubReloadsFromSnapshotAndLogTail(t *testing.T) {
	ctx := context.Background()
	memLog := oplog.NewMemory()
	snaps := snapshot.NewMemory()

	ops := []block.Operation{
		insertOp("alice", 1, "a", ""),
		insertOp("alice", 2, "b", "a"),
		deleteOp("alice", 3, "a"),
	}
	state := block.New(testDoc)
	for i, op := range ops {
		resolved, err := merge.Resolve(state, op)
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", op.ID, err)
		}
		if _, err := merge.Apply(state, resolved); err != nil {
			t.Fatalf("Apply(%s) error = %v", op.ID, err)
		}
		if _, err := memLog.Append(ctx, testDoc, resolved); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if i == 1 {
			if err := snaps.Save(ctx, snapshot.Snapshot{DocumentID: testDoc, Position: 2, Image: state.Image()}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		}
	}

	c := newTestCoordinator(t, Deps{Log: memLog, Snapshots: snaps}, Config{})
	snap, pos, err := c.Snapshot(ctx, alice, testDoc)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if pos != 3 {
		t.Fatalf("position = %d, want 3", pos)
	}
	if !reflect.DeepEqual(snap, state.Snapshot()) {
		t.Fatalf("reloaded snapshot differs\n got %+v\nwant %+v", snap, state.Snapshot())
	}
}

func TestCheckpointEveryNOperations(t *testing.T) {
	snaps := snapshot.NewMemory()
	cps := &recordingCheckpointer{}
	c := newTestCoordinator(t, Deps{Snapshots: snaps, Checkpointer: cps}, Config{SnapshotEvery: 2})

	submit(t, c, alice, insertOp("alice", 1, "a", ""))
	submit(t, c, alice, insertOp("alice", 2, "b", "a"))

	deadline := time.Now().Add(2 * time.Second)
	for cps.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no checkpoint after 2 operations")
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := snaps.Latest(context.Background(), testDoc)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got.Position != 2 {
		t.Fatalf("snapshot position = %d, want 2", got.Position)
	}
	if cp := cps.last(); cp.Position != 2 || len(cp.Snapshot.Blocks) != 2 {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestCompactPurgesTombstonesAndTruncatesLog(t *testing.T) {
	ctx := context.Background()
	memLog := oplog.NewMemory()
	snaps := snapshot.NewMemory()
	c := newTestCoordinator(t, Deps{Log: memLog, Snapshots: snaps}, Config{TombstoneTTL: time.Nanosecond})

	submit(t, c, alice, insertOp("alice", 1, "a", ""))
	submit(t, c, alice, insertOp("alice", 2, "b", "a"))
	submit(t, c, alice, deleteOp("alice", 3, "a"))
	time.Sleep(time.Millisecond)

	res, err := c.Compact(ctx, testDoc)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if res.Purged != 1 || res.Position != 3 {
		t.Fatalf("Compact() = %+v", res)
	}

	if _, err := oplog.Collect(ctx, memLog, testDoc, 0); !errors.Is(err, oplog.ErrTruncated) {
		t.Fatalf("Collect(0) error = %v, want ErrTruncated", err)
	}
	latest, err := snaps.Latest(ctx, testDoc)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Position != 3 {
		t.Fatalf("snapshot position = %d, want 3", latest.Position)
	}

	snap, _, err := c.Snapshot(ctx, alice, testDoc)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Tombstones) != 0 || !reflect.DeepEqual(visibleIDs(snap), []string{"b"}) {
		t.Fatalf("snapshot after compaction = %+v", snap)
	}

	if _, err := c.Submit(ctx, alice, insertOp("alice", 4, "a", "")); !errors.Is(err, block.ErrDuplicateBlock) {
		t.Fatalf("reusing purged id error = %v, want ErrDuplicateBlock", err)
	}
	ack := submit(t, c, alice, insertOp("alice", 5, "c", "b"))
	if ack.Position != 4 {
		t.Fatalf("position after compaction = %d, want 4", ack.Position)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{SubscriberBuffer: 1})
	aliceSub := connect(t, c, alice, "alice")

	submit(t, c, bob, insertOp("bob", 1, "b1", ""))
	submit(t, c, bob, insertOp("bob", 2, "b2", "b1"))

	if !errors.Is(aliceSub.Err(), ErrSlowSubscriber) {
		t.Fatalf("Err() = %v, want ErrSlowSubscriber", aliceSub.Err())
	}
	if ev := next(t, aliceSub); ev.Kind != EventSnapshot {
		t.Fatalf("buffered event = %s, want snapshot", ev.Kind)
	}
	if _, ok := <-aliceSub.Events(); ok {
		t.Fatalf("events still open after drop")
	}
}

func TestCursorBroadcastsPresence(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{})
	submit(t, c, alice, insertOp("alice", 1, "b1", ""))
	aliceSub := connect(t, c, alice, "alice")
	bobSub := connect(t, c, bob, "bob")

	joined := nextOf(t, aliceSub, EventPresence)
	if joined.Presence.ActorID != "bob" || joined.Presence.Name != "Bob" {
		t.Fatalf("join presence = %+v", joined.Presence)
	}

	if err := c.Cursor(context.Background(), bobSub, "b1", 3); err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	moved := nextOf(t, aliceSub, EventPresence)
	if moved.Presence.BlockID != "b1" || moved.Presence.Offset != 3 {
		t.Fatalf("cursor presence = %+v", moved.Presence)
	}

	if err := c.Cursor(context.Background(), bobSub, "nope", 0); !errors.Is(err, block.ErrUnknownBlock) {
		t.Fatalf("Cursor(unknown) error = %v, want ErrUnknownBlock", err)
	}

	online := c.Presence(context.Background(), testDoc)
	if len(online) != 2 || online[0].ActorID != "alice" || online[1].ActorID != "bob" {
		t.Fatalf("Presence() = %+v", online)
	}

	c.Disconnect(bobSub)
	if err := c.Cursor(context.Background(), bobSub, "b1", 0); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Cursor() after disconnect error = %v, want ErrNotSubscribed", err)
	}
}

func TestPresenceExpiresWithoutUpdates(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{PresenceTTL: 20 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond})
	aliceSub := connect(t, c, alice, "alice")
	connect(t, c, bob, "bob")

	for {
		ev := nextOf(t, aliceSub, EventPresenceLeft)
		if ev.Presence.ActorID == "bob" {
			break
		}
	}
	if aliceSub.Err() != nil {
		t.Fatalf("expiry closed the subscription: %v", aliceSub.Err())
	}
}

func TestIdleHubRetiresAndResumes(t *testing.T) {
	memLog := oplog.NewMemory()
	c := newTestCoordinator(t, Deps{Log: memLog}, Config{HubIdleTimeout: 10 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond})
	submit(t, c, alice, insertOp("alice", 1, "a", ""))

	deadline := time.Now().Add(2 * time.Second)
	for len(c.ActiveDocuments()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hub did not retire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ack := submit(t, c, alice, insertOp("alice", 2, "b", "a"))
	if ack.Position != 2 {
		t.Fatalf("position after resume = %d, want 2", ack.Position)
	}
	snap, _, err := c.Snapshot(context.Background(), alice, testDoc)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !reflect.DeepEqual(visibleIDs(snap), []string{"a", "b"}) {
		t.Fatalf("blocks = %v", visibleIDs(snap))
	}
}

type recordingCheckpointer struct {
	mu  sync.Mutex
	cps []Checkpoint
}

func (r *recordingCheckpointer) Checkpoint(_ context.Context, cp Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cps = append(r.cps, cp)
}

func (r *recordingCheckpointer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cps)
}

func (r *recordingCheckpointer) last() Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cps[len(r.cps)-1]
}
