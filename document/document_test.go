package document

import (
	"errors"
	"io"
	"log"
	"testing"

	"collabdraw/clock"
	"collabdraw/merge"
	"collabdraw/shape"
)

type recordingOutbox struct {
	batches [][]merge.Operation
}

func (o *recordingOutbox) SendOperations(ops []merge.Operation) {
	o.batches = append(o.batches, ops)
}

func newDoc(actor clock.ActorID) *Document {
	return New("doc1", actor, WithLogger(log.New(io.Discard, "", 0)))
}

func rect(color string) shape.Props {
	return shape.Props{
		Kind:     shape.KindRectangle,
		Geometry: shape.Geometry{Bounds: shape.Rect{Width: 4, Height: 3}},
		Style:    shape.Style{Color: color},
	}
}

func str(s string) *string { return &s }

func TestMutateIsVisibleImmediatelyWithoutNotification(t *testing.T) {
	d := newDoc("p1")
	out := &recordingOutbox{}
	d.SetOutbox(out)
	notified := 0
	d.Subscribe(func(Event) { notified++ })

	var id shape.ID
	ops, err := d.Mutate(func(tx *Tx) error {
		var err error
		id, err = tx.Add(rect("black"))
		return err
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != merge.KindAdd || ops[0].ShapeID != id {
		t.Fatalf("unexpected ops %v", ops)
	}
	if id != "p1:1" {
		t.Fatalf("expected id p1:1, got %s", id)
	}

	root := d.Root()
	if len(root) != 1 || root[0].ID != id {
		t.Fatalf("local edit not visible: %+v", root)
	}
	if notified != 0 {
		t.Fatalf("local edit notified subscribers %d times", notified)
	}
	if len(out.batches) != 1 || len(out.batches[0]) != 1 {
		t.Fatalf("expected one outgoing batch, got %v", out.batches)
	}
}

func TestMutateIsAtomic(t *testing.T) {
	d := newDoc("p1")
	out := &recordingOutbox{}
	d.SetOutbox(out)

	_, err := d.Mutate(func(tx *Tx) error {
		if _, err := tx.Add(rect("black")); err != nil {
			return err
		}
		return tx.Update("missing", shape.Patch{Color: str("red")})
	})
	if !errors.Is(err, merge.ErrUnknownShape) {
		t.Fatalf("expected ErrUnknownShape, got %v", err)
	}
	if len(d.Root()) != 0 || len(out.batches) != 0 {
		t.Fatal("failed mutation must not apply or send anything")
	}

	// An ignored edit error still aborts the commit.
	_, err = d.Mutate(func(tx *Tx) error {
		tx.Add(rect("black"))
		tx.Remove("missing")
		return nil
	})
	if !errors.Is(err, merge.ErrUnknownShape) || len(d.Root()) != 0 {
		t.Fatalf("expected aborted commit, got err=%v root=%v", err, d.Root())
	}

	callbackErr := errors.New("cancelled")
	if _, err := d.Mutate(func(tx *Tx) error {
		tx.Add(rect("black"))
		return callbackErr
	}); !errors.Is(err, callbackErr) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if len(d.Root()) != 0 {
		t.Fatal("callback error must abort the commit")
	}
}

func TestTxSeesItsOwnEdits(t *testing.T) {
	d := newDoc("p1")
	ops, err := d.Mutate(func(tx *Tx) error {
		id, err := tx.Add(rect("black"))
		if err != nil {
			return err
		}
		if err := tx.Update(id, shape.Patch{Color: str("red")}); err != nil {
			return err
		}
		sh, ok := tx.Get(id)
		if !ok || sh.Style.Color != "red" {
			t.Fatalf("staged update not visible in tx: %+v", sh)
		}
		if err := tx.Remove(id); err != nil {
			return err
		}
		if _, ok := tx.Get(id); ok {
			t.Fatal("staged remove not visible in tx")
		}
		if err := tx.Update(id, shape.Patch{Color: str("blue")}); !errors.Is(err, merge.ErrUnknownShape) {
			t.Fatalf("expected update after remove to fail, got %v", err)
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected the failed update to abort the commit")
	}
	if len(ops) != 0 {
		t.Fatalf("unexpected ops %v", ops)
	}
}

func TestShapeIDsAreNotReused(t *testing.T) {
	d := newDoc("p1")
	var ids []shape.ID
	for i := 0; i < 2; i++ {
		if _, err := d.Mutate(func(tx *Tx) error {
			id, err := tx.Add(rect("black"))
			ids = append(ids, id)
			return err
		}); err != nil {
			t.Fatalf("mutate: %v", err)
		}
	}
	// An aborted transaction does not consume an id.
	d.Mutate(func(tx *Tx) error {
		tx.Add(rect("black"))
		return errors.New("abort")
	})
	d.Mutate(func(tx *Tx) error {
		id, err := tx.Add(rect("black"))
		ids = append(ids, id)
		return err
	})
	want := []shape.ID{"p1:1", "p1:2", "p1:3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("unexpected ids %v", ids)
		}
	}
}

func TestRemoteChangeIsPublished(t *testing.T) {
	p1, p2 := newDoc("p1"), newDoc("p2")

	var events []Event
	unsubscribe := p2.Subscribe(func(ev Event) { events = append(events, ev) })

	ops, _ := p1.Mutate(func(tx *Tx) error {
		_, err := tx.Add(rect("black"))
		return err
	})
	for _, op := range ops {
		if err := p2.ApplyRemote(op); err != nil {
			t.Fatalf("apply remote: %v", err)
		}
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != RemoteChange || len(ev.IDs) != 1 || ev.IDs[0] != "p1:1" || len(ev.Shapes) != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}

	// Redelivery changes nothing and publishes nothing.
	p2.ApplyRemote(ops[0])
	if len(events) != 1 {
		t.Fatalf("duplicate operation published an event")
	}

	unsubscribe()
	unsubscribe()
	more, _ := p1.Mutate(func(tx *Tx) error {
		return tx.Update("p1:1", shape.Patch{Color: str("red")})
	})
	p2.ApplyRemote(more[0])
	if len(events) != 1 {
		t.Fatal("unsubscribed listener received an event")
	}
	if sh, _ := p2.Shape("p1:1"); sh.Style.Color != "red" {
		t.Fatalf("expected red, got %q", sh.Style.Color)
	}
}

func TestApplyRemoteBatchPublishesOnce(t *testing.T) {
	p1, p2 := newDoc("p1"), newDoc("p2")
	ops, _ := p1.Mutate(func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.Add(rect("black")); err != nil {
				return err
			}
		}
		return nil
	})

	var events []Event
	p2.Subscribe(func(ev Event) { events = append(events, ev) })
	p2.ApplyRemoteBatch(ops)
	if len(events) != 1 || len(events[0].IDs) != 3 {
		t.Fatalf("expected one event for three shapes, got %+v", events)
	}
}

func TestApplyRemoteReportsMalformed(t *testing.T) {
	d := newDoc("p1")
	err := d.ApplyRemote(merge.Operation{Kind: "bogus", ShapeID: "x", Stamp: clock.Stamp{Actor: "p2", Counter: 1}})
	if !errors.Is(err, merge.ErrMalformedOperation) {
		t.Fatalf("expected ErrMalformedOperation, got %v", err)
	}
}

func TestRootIsASnapshot(t *testing.T) {
	d := newDoc("p1")
	d.Mutate(func(tx *Tx) error {
		_, err := tx.Add(rect("black"))
		return err
	})
	root := d.Root()
	d.Mutate(func(tx *Tx) error { return tx.Remove("p1:1") })
	root[0].Style.Color = "mutated"

	if len(root) != 1 {
		t.Fatal("snapshot changed underneath the caller")
	}
	if len(d.Root()) != 0 {
		t.Fatal("expected shape removed")
	}
	if got := d.LocalOperations(); len(got) != 2 {
		t.Fatalf("expected two logged local operations, got %d", len(got))
	}
}

func TestMutateRefusedWhileUnacknowledgedLogIsFull(t *testing.T) {
	d := New("doc1", "a", WithLogger(log.New(io.Discard, "", 0)), WithLogLimit(2))
	addTwo := func(tx *Tx) error {
		for i := 0; i < 2; i++ {
			if _, err := tx.Add(rect("black")); err != nil {
				return err
			}
		}
		return nil
	}
	if _, err := d.Mutate(addTwo); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	// Offline: nothing acknowledged, so a third edit must not push out the
	// first two.
	if _, err := d.Mutate(func(tx *Tx) error {
		_, err := tx.Add(rect("red"))
		return err
	}); !errors.Is(err, merge.ErrLogFull) {
		t.Fatalf("expected ErrLogFull, got %v", err)
	}
	if len(d.Root()) != 2 {
		t.Fatalf("a refused mutation must not apply, got %d shapes", len(d.Root()))
	}
	if ops := d.LocalOperations(); len(ops) != 2 || ops[0].ShapeID != "a:1" {
		t.Fatalf("undelivered operations were lost: %v", ops)
	}

	d.Acknowledge(2)
	if _, err := d.Mutate(addTwo); err != nil {
		t.Fatalf("expected room after acknowledgement: %v", err)
	}
	if ops := d.LocalOperations(); len(ops) != 2 || ops[0].ShapeID != "a:3" {
		t.Fatalf("unexpected redelivery log %v", ops)
	}
}
