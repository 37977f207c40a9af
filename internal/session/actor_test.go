package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"quire/api/internal/block"
	"quire/api/internal/oplog"
	"quire/api/internal/presence"
)

func TestActorOwner(t *testing.T) {
	cases := map[string]string{
		"alice":           "alice",
		"alice:laptop":    "alice",
		"usr_a:b:tab-1":   "usr_a:b",
		":orphan":         "",
		"alice:":          "",
		"usr_x:act_0123f": "usr_x",
	}
	for actor, want := range cases {
		if got := ActorOwner(actor); got != want {
			t.Errorf("ActorOwner(%q) = %q, want %q", actor, got, want)
		}
	}
	if id := NewActorID("usr_alice"); ActorOwner(id) != "usr_alice" || !strings.HasPrefix(id, "usr_alice:act_") {
		t.Errorf("NewActorID() = %q", id)
	}
}

func TestSubmitRejectsForeignActors(t *testing.T) {
	memLog := oplog.NewMemory()
	c := newTestCoordinator(t, Deps{Log: memLog}, Config{})
	submit(t, c, alice, insertOp("alice", 1, "a", ""))

	forged := block.Operation{
		ID:         "op-forged",
		DocumentID: testDoc,
		Actor:      "alice",
		Clock:      2,
		Seq:        2,
		Payload:    block.UpdateContent{BlockID: "a", Content: "pwned"},
	}
	if _, err := c.Submit(context.Background(), bob, forged); !errors.Is(err, ErrForeignActor) {
		t.Fatalf("Submit(as alice by bob) error = %v, want ErrForeignActor", err)
	}

	// Alice's own next operation is unaffected by the attempt.
	ack := submit(t, c, alice, block.Operation{
		ID: "op-real", DocumentID: testDoc, Actor: "alice", Clock: 2, Seq: 2,
		Payload: block.UpdateContent{BlockID: "a", Content: "mine"},
	})
	if ack.Discarded || ack.Position != 2 {
		t.Fatalf("alice's update ack = %+v", ack)
	}
}

func TestRunawayClockCannotFreezeAnActor(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{})
	submit(t, c, alice, insertOp("alice", 1, "a", ""))

	runaway := block.Operation{
		ID: "op-max", DocumentID: testDoc, Actor: "alice", Clock: ^uint64(0), Seq: 2,
		Payload: block.UpdateContent{BlockID: "a", Content: "pwned"},
	}
	if _, err := c.Submit(context.Background(), alice, runaway); !errors.Is(err, block.ErrInvalidOperation) {
		t.Fatalf("Submit(max clock) error = %v, want ErrInvalidOperation", err)
	}

	ack := submit(t, c, bob, block.Operation{
		ID: "op-bob", DocumentID: testDoc, Actor: "bob", Clock: 1000, Seq: 1,
		Payload: block.UpdateContent{BlockID: "a", Content: "fixed"},
	})
	if ack.Delta == nil || !ack.Delta.Changed {
		t.Fatalf("later update did not win: %+v", ack)
	}
	snap, _, err := c.Snapshot(context.Background(), bob, testDoc)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if got := snap.Blocks[0].Content; got != "fixed" {
		t.Fatalf("content = %q, want fixed", got)
	}
}

func TestConnectScopesActorsToTheCaller(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{})
	if _, err := c.Connect(context.Background(), testDoc, bob, "alice:tab"); !errors.Is(err, ErrForeignActor) {
		t.Fatalf("Connect(foreign actor) error = %v, want ErrForeignActor", err)
	}
	sub, err := c.Connect(context.Background(), testDoc, bob, "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ActorOwner(sub.ActorID) != "bob" {
		t.Fatalf("generated actor %q is not owned by bob", sub.ActorID)
	}
}

func TestPresenceSpansNodesThroughMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	mirror := func() *presence.RedisStore {
		store, err := presence.NewRedisStore("redis://"+mr.Addr(), time.Minute)
		if err != nil {
			t.Fatalf("NewRedisStore() error = %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	}
	memLog := oplog.NewMemory()
	nodeA := newTestCoordinator(t, Deps{Log: memLog, Presence: mirror()}, Config{})
	nodeB := newTestCoordinator(t, Deps{Log: memLog, Presence: mirror()}, Config{})

	sub := connect(t, nodeA, alice, "alice")

	deadline := time.Now().Add(2 * time.Second)
	for {
		online := nodeB.Presence(context.Background(), testDoc)
		if len(online) == 1 && online[0].ActorID == "alice" && online[0].Name == "Alice" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node B never saw alice: %+v", online)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(nodeB.ActiveDocuments()) != 0 {
		t.Fatalf("listing presence started a hub on node B")
	}

	nodeA.Disconnect(sub)
	for len(nodeB.Presence(context.Background(), testDoc)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("node B still lists alice after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPresenceFallsBackToLocalWhenMirrorFails(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := presence.NewRedisStore("redis://"+mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	c := newTestCoordinator(t, Deps{Presence: store}, Config{})
	connect(t, c, alice, "alice")

	mr.Close()
	online := c.Presence(context.Background(), testDoc)
	if len(online) != 1 || online[0].ActorID != "alice" {
		t.Fatalf("Presence() with redis down = %+v", online)
	}
}

func TestDisconnectAfterRetireStartsNoHub(t *testing.T) {
	c := newTestCoordinator(t, Deps{}, Config{HubIdleTimeout: 10 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond})
	sub := connect(t, c, alice, "alice")
	c.Disconnect(sub)

	deadline := time.Now().Add(2 * time.Second)
	for len(c.ActiveDocuments()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hub did not retire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Disconnect(sub)
	if docs := c.ActiveDocuments(); len(docs) != 0 {
		t.Fatalf("Disconnect revived hubs %v", docs)
	}
	if _, ok := c.idle.Get(testDoc); !ok {
		t.Fatalf("retired state was evicted from the idle cache")
	}
}
