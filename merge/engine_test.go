package merge

import (
	"errors"
	"io"
	"log"
	"testing"

	"collabdraw/clock"
	"collabdraw/shape"
)

func newEngine(actor clock.ActorID) *Engine {
	return NewEngine(clock.New(actor), WithLogger(log.New(io.Discard, "", 0)))
}

func rectProps() shape.Props {
	return shape.Props{
		Kind:     shape.KindRectangle,
		Geometry: shape.Geometry{Bounds: shape.Rect{Width: 10, Height: 10}},
		Style:    shape.Style{Color: "black", StrokeWidth: 1},
	}
}

func str(s string) *string { return &s }

func addOp(id shape.ID, actor clock.ActorID, counter uint64) Operation {
	p := rectProps()
	return Operation{Kind: KindAdd, ShapeID: id, Stamp: clock.Stamp{Actor: actor, Counter: counter}, Props: &p}
}

func colorOp(id shape.ID, color string, actor clock.ActorID, counter uint64) Operation {
	return Operation{
		Kind:    KindUpdate,
		ShapeID: id,
		Stamp:   clock.Stamp{Actor: actor, Counter: counter},
		Patch:   &shape.Patch{Color: str(color)},
	}
}

func removeOp(id shape.ID, actor clock.ActorID, counter uint64) Operation {
	return Operation{Kind: KindRemove, ShapeID: id, Stamp: clock.Stamp{Actor: actor, Counter: counter}}
}

func assertSameShapes(t *testing.T, a, b []shape.Shape) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("shape count differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			t.Fatalf("shape %d differs:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}

func permutations(ops []Operation) [][]Operation {
	if len(ops) <= 1 {
		return [][]Operation{append([]Operation(nil), ops...)}
	}
	var out [][]Operation
	for i := range ops {
		rest := make([]Operation, 0, len(ops)-1)
		rest = append(rest, ops[:i]...)
		rest = append(rest, ops[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Operation{ops[i]}, p...))
		}
	}
	return out
}

// senderOrdered reports whether each actor's operations appear in counter
// order, the delivery guarantee of the transport.
func senderOrdered(ops []Operation) bool {
	last := clock.Vector{}
	for _, op := range ops {
		if !last.Observe(op.Stamp) {
			return false
		}
	}
	return true
}

func TestScenarioRemoteAddIsVisible(t *testing.T) {
	p1, p2 := newEngine("p1"), newEngine("p2")

	op, err := p1.ApplyLocal(AddIntent("p1:1", rectProps()))
	if err != nil {
		t.Fatalf("apply local: %v", err)
	}
	if op.Stamp != (clock.Stamp{Actor: "p1", Counter: 1}) {
		t.Fatalf("unexpected stamp %v", op.Stamp)
	}

	affected, err := p2.ApplyRemote(op)
	if err != nil {
		t.Fatalf("apply remote: %v", err)
	}
	if len(affected) != 1 || affected[0] != "p1:1" {
		t.Fatalf("unexpected affected ids %v", affected)
	}
	if _, ok := p2.Shape("p1:1"); !ok {
		t.Fatal("expected p2 to hold s1")
	}
}

func TestScenarioConcurrentColorUpdates(t *testing.T) {
	add := addOp("s1", "p1", 1)
	red := colorOp("s1", "red", "p1", 2)
	blue := colorOp("s1", "blue", "p2", 1)

	p1, p2 := newEngine("p1"), newEngine("p2")
	for _, op := range []Operation{add, red, blue} {
		p1.ApplyRemote(op)
	}
	for _, op := range []Operation{add, blue, red} {
		p2.ApplyRemote(op)
	}

	for name, e := range map[string]*Engine{"p1": p1, "p2": p2} {
		sh, ok := e.Shape("s1")
		if !ok {
			t.Fatalf("%s: missing s1", name)
		}
		if sh.Style.Color != "red" {
			t.Fatalf("%s: expected red, got %q", name, sh.Style.Color)
		}
	}
}

func TestScenarioUpdateAfterRemoveResurrects(t *testing.T) {
	e := newEngine("p3")
	e.ApplyRemote(addOp("s1", "p1", 1))
	e.ApplyRemote(colorOp("s1", "red", "p1", 2))

	affected, _ := e.ApplyRemote(removeOp("s1", "p1", 3))
	if len(affected) != 1 || e.Exists("s1") {
		t.Fatalf("expected s1 removed, affected=%v", affected)
	}

	affected, _ = e.ApplyRemote(colorOp("s1", "green", "p2", 5))
	if len(affected) != 1 {
		t.Fatalf("expected resurrection to be reported, got %v", affected)
	}
	sh, ok := e.Shape("s1")
	if !ok {
		t.Fatal("expected s1 to reappear")
	}
	if sh.Style.Color != "green" || sh.Style.StrokeWidth != 1 {
		t.Fatalf("expected prior fields with the update applied, got %+v", sh.Style)
	}
}

func TestRemoveBeatsOlderUpdate(t *testing.T) {
	e := newEngine("p3")
	e.ApplyRemote(addOp("s1", "p1", 1))
	e.ApplyRemote(removeOp("s1", "p1", 4))

	affected, _ := e.ApplyRemote(colorOp("s1", "green", "p2", 2))
	if len(affected) != 0 || e.Exists("s1") {
		t.Fatal("an update older than the remove must stay hidden")
	}
}

func TestCommutativity(t *testing.T) {
	ops := []Operation{
		addOp("s1", "p1", 1),
		colorOp("s1", "red", "p1", 2),
		colorOp("s1", "blue", "p2", 2),
		removeOp("s1", "p1", 3),
		colorOp("s1", "green", "p2", 5),
	}

	var want []shape.Shape
	runs := 0
	for _, perm := range permutations(ops) {
		if !senderOrdered(perm) {
			continue
		}
		e := newEngine("observer")
		for _, op := range perm {
			e.ApplyRemote(op)
		}
		got := e.Shapes()
		runs++
		if runs == 1 {
			want = got
			continue
		}
		assertSameShapes(t, want, got)
	}
	if runs != 10 {
		t.Fatalf("expected 10 sender-ordered interleavings, got %d", runs)
	}
	if len(want) != 1 || want[0].Style.Color != "green" {
		t.Fatalf("unexpected converged state %+v", want)
	}
}

func TestIdempotence(t *testing.T) {
	ops := []Operation{addOp("s1", "p1", 1), colorOp("s1", "red", "p1", 2), removeOp("s1", "p1", 3)}

	once := newEngine("observer")
	twice := newEngine("observer")
	for _, op := range ops {
		once.ApplyRemote(op)
		twice.ApplyRemote(op)
		affected, err := twice.ApplyRemote(op)
		if err != nil || len(affected) != 0 {
			t.Fatalf("duplicate %s changed state: %v %v", op, affected, err)
		}
	}
	assertSameShapes(t, once.Shapes(), twice.Shapes())
	if once.Known("s1") != twice.Known("s1") {
		t.Fatal("tombstones differ")
	}
}

func TestConvergenceBetweenPeers(t *testing.T) {
	p1, p2 := newEngine("p1"), newEngine("p2")

	var fromP1, fromP2 []Operation
	mustLocal := func(e *Engine, in Intent, out *[]Operation) {
		t.Helper()
		op, err := e.ApplyLocal(in)
		if err != nil {
			t.Fatalf("apply local %v: %v", in.Kind, err)
		}
		*out = append(*out, op)
	}

	mustLocal(p1, AddIntent("p1:1", rectProps()), &fromP1)
	mustLocal(p1, AddIntent("p1:2", rectProps()), &fromP1)
	mustLocal(p2, AddIntent("p2:1", rectProps()), &fromP2)

	for _, op := range fromP1 {
		p2.ApplyRemote(op)
	}
	mustLocal(p1, UpdateIntent("p1:1", shape.Patch{Color: str("red")}), &fromP1)
	mustLocal(p2, UpdateIntent("p1:1", shape.Patch{Color: str("blue")}), &fromP2)
	mustLocal(p2, RemoveIntent("p1:2"), &fromP2)

	// Redeliver everything twice, as after a reconnect.
	for _, op := range append(fromP2, fromP2...) {
		p1.ApplyRemote(op)
	}
	for _, op := range append(fromP1, fromP1...) {
		p2.ApplyRemote(op)
	}

	assertSameShapes(t, p1.Shapes(), p2.Shapes())
	if p1.Exists("p1:2") || !p1.Exists("p2:1") {
		t.Fatal("expected p1:2 removed and p2:1 present on both peers")
	}
	if sh, _ := p1.Shape("p1:1"); sh.Style.Color != "blue" {
		t.Fatalf("expected (3,p2) to beat (3,p1), got %q", sh.Style.Color)
	}
}

func TestLocalEditWinsAfterSeeingHigherCounter(t *testing.T) {
	e := newEngine("p1")
	e.ApplyRemote(addOp("s1", "p2", 1))
	e.ApplyRemote(colorOp("s1", "blue", "p2", 9))

	op, err := e.ApplyLocal(UpdateIntent("s1", shape.Patch{Color: str("red")}))
	if err != nil {
		t.Fatalf("apply local: %v", err)
	}
	if op.Stamp.Counter != 10 {
		t.Fatalf("expected the clock to move past witnessed counters, got %d", op.Stamp.Counter)
	}
	if sh, _ := e.Shape("s1"); sh.Style.Color != "red" {
		t.Fatalf("local edit not visible, got %q", sh.Style.Color)
	}
}

func TestOwnOperationsEchoedBackAreStale(t *testing.T) {
	e := newEngine("p1")
	op, _ := e.ApplyLocal(AddIntent("p1:1", rectProps()))
	affected, err := e.ApplyRemote(op)
	if err != nil || len(affected) != 0 {
		t.Fatalf("echo should be ignored, got %v %v", affected, err)
	}
}

func TestMalformedOperationsAreDropped(t *testing.T) {
	e := newEngine("p1")
	tests := []Operation{
		{Kind: "resize", ShapeID: "s1", Stamp: clock.Stamp{Actor: "p2", Counter: 1}},
		{Kind: KindAdd, ShapeID: "s1", Stamp: clock.Stamp{Actor: "p2", Counter: 2}},
		{Kind: KindUpdate, ShapeID: "s1", Stamp: clock.Stamp{Actor: "p2", Counter: 3}, Patch: &shape.Patch{}},
		{Kind: KindRemove, Stamp: clock.Stamp{Actor: "p2", Counter: 4}},
		{Kind: KindRemove, ShapeID: "s1"},
	}
	for _, op := range tests {
		if _, err := e.ApplyRemote(op); !errors.Is(err, ErrMalformedOperation) {
			t.Fatalf("%s: expected ErrMalformedOperation, got %v", op, err)
		}
	}

	// A well-formed operation from the same actor still applies.
	if _, err := e.ApplyRemote(addOp("s1", "p2", 5)); err != nil || !e.Exists("s1") {
		t.Fatalf("expected later valid add to apply: %v", err)
	}
}

func TestDuplicateAddLosingEveryFieldIsDropped(t *testing.T) {
	e := newEngine("p3")
	e.ApplyRemote(addOp("s1", "p1", 1))
	red := rectProps()
	red.Style.Color = "red"
	full := red.Patch()
	e.ApplyRemote(Operation{Kind: KindUpdate, ShapeID: "s1", Stamp: clock.Stamp{Actor: "p1", Counter: 4}, Patch: &full})

	affected, err := e.ApplyRemote(addOp("s1", "p2", 2))
	if err != nil || len(affected) != 0 {
		t.Fatalf("expected duplicate add to be dropped, got %v %v", affected, err)
	}
	if sh, _ := e.Shape("s1"); sh.Style.Color != "red" || sh.Created.Counter != 1 {
		t.Fatalf("duplicate add changed state: %+v", sh)
	}
}

func TestDuplicateAddsConvergeInAnyOrder(t *testing.T) {
	first := addOp("s1", "p1", 1)
	second := addOp("s1", "p2", 2)
	wide := rectProps()
	wide.Geometry.Bounds.Width = 99
	second.Props = &wide
	recolor := colorOp("s1", "red", "p1", 3)

	a := newEngine("p3")
	a.ApplyRemoteBatch([]Operation{first, recolor, second})
	b := newEngine("p4")
	b.ApplyRemoteBatch([]Operation{second, first, recolor})

	assertSameShapes(t, a.Shapes(), b.Shapes())
	sh, _ := a.Shape("s1")
	if sh.Created != first.Stamp {
		t.Fatalf("expected the earliest add to fix the position, got %s", sh.Created)
	}
	if sh.Geometry.Bounds.Width != 99 || sh.Style.Color != "red" {
		t.Fatalf("expected newest value per field, got %+v", sh.Props)
	}
}

func TestFullLogRefusesLocalEdits(t *testing.T) {
	e := NewEngine(clock.New("a"), WithLogger(nil), WithLogLimit(2))
	for _, id := range []shape.ID{"a:1", "a:2"} {
		if _, err := e.ApplyLocal(AddIntent(id, rectProps())); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	if _, err := e.ApplyLocal(AddIntent("a:3", rectProps())); !errors.Is(err, ErrLogFull) {
		t.Fatalf("expected ErrLogFull, got %v", err)
	}
	if e.Exists("a:3") || e.Seen()["a"] != 2 {
		t.Fatal("a refused edit must not apply or consume a counter")
	}
	if ops := e.LocalOperations(); len(ops) != 2 || ops[0].ShapeID != "a:1" {
		t.Fatalf("undelivered operations were lost: %v", ops)
	}

	e.Acknowledge(1)
	if _, err := e.ApplyLocal(AddIntent("a:3", rectProps())); err != nil {
		t.Fatalf("expected room after acknowledgement: %v", err)
	}
	if ops := e.LocalOperations(); len(ops) != 2 || ops[0].ShapeID != "a:2" {
		t.Fatalf("unexpected log after acknowledgement: %v", ops)
	}
}

func TestUpdateBeforeAddIsHeldUntilAdd(t *testing.T) {
	e := newEngine("p3")
	affected, err := e.ApplyRemote(colorOp("s1", "red", "p2", 2))
	if err != nil || len(affected) != 0 {
		t.Fatalf("expected deferred no-op, got %v %v", affected, err)
	}
	if e.Pending() != 1 {
		t.Fatalf("expected one pending op, got %d", e.Pending())
	}

	affected, _ = e.ApplyRemote(addOp("s1", "p1", 1))
	if len(affected) != 1 || e.Pending() != 0 {
		t.Fatalf("expected add to release pending ops, affected=%v pending=%d", affected, e.Pending())
	}
	if sh, _ := e.Shape("s1"); sh.Style.Color != "red" {
		t.Fatalf("expected held update applied, got %q", sh.Style.Color)
	}
}

func TestPendingWindowIsBounded(t *testing.T) {
	e := NewEngine(clock.New("p3"), WithLogger(nil), WithPendingLimit(2))
	for i := uint64(1); i <= 3; i++ {
		e.ApplyRemote(colorOp(shape.ID("ghost"), "red", "p2", i))
	}
	if e.Pending() != 2 {
		t.Fatalf("expected pending window of 2, got %d", e.Pending())
	}
}

func TestApplyLocalRejectsBadIntents(t *testing.T) {
	e := newEngine("p1")
	if _, err := e.ApplyLocal(UpdateIntent("missing", shape.Patch{Color: str("red")})); !errors.Is(err, ErrUnknownShape) {
		t.Fatalf("expected ErrUnknownShape, got %v", err)
	}
	if _, err := e.ApplyLocal(AddIntent("p1:1", rectProps())); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := e.ApplyLocal(AddIntent("p1:1", rectProps())); !errors.Is(err, ErrDuplicateShape) {
		t.Fatalf("expected ErrDuplicateShape, got %v", err)
	}
	if _, err := e.ApplyLocal(UpdateIntent("p1:1", shape.Patch{})); !errors.Is(err, ErrMalformedOperation) {
		t.Fatalf("expected ErrMalformedOperation, got %v", err)
	}
	if got := e.LocalOperations(); len(got) != 1 {
		t.Fatalf("rejected intents must not be logged, got %d ops", len(got))
	}
	if e.Seen()["p1"] != 1 {
		t.Fatalf("rejected intents must not consume counters, seen=%v", e.Seen())
	}
}

func TestApplyRemoteBatchUnionsAffected(t *testing.T) {
	e := newEngine("p3")
	affected := e.ApplyRemoteBatch([]Operation{
		addOp("s1", "p1", 1),
		colorOp("s1", "red", "p1", 2),
		addOp("s2", "p1", 3),
		addOp("s2", "p1", 3),
	})
	if len(affected) != 2 {
		t.Fatalf("expected two affected ids, got %v", affected)
	}
}
