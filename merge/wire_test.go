package merge

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"collabdraw/clock"
	"collabdraw/shape"
)

func TestOperationWireShape(t *testing.T) {
	buf, err := json.Marshal(colorOp("p1:1", "red", "p1", 2))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(buf, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"actorId", "counter", "kind", "shapeId", "payload"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing %q in %s", key, buf)
		}
	}

	buf, _ = json.Marshal(removeOp("p1:1", "p1", 3))
	if strings.Contains(string(buf), "payload") {
		t.Fatalf("remove must not carry a payload: %s", buf)
	}
}

func TestOperationDecode(t *testing.T) {
	raw := `{"actorId":"p2","counter":7,"kind":"update","shapeId":"p1:1","payload":{"color":"blue","strokeWidth":3}}`
	var op Operation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if op.Stamp != (clock.Stamp{Actor: "p2", Counter: 7}) || op.Kind != KindUpdate || op.ShapeID != "p1:1" {
		t.Fatalf("unexpected operation %+v", op)
	}
	if op.Patch == nil || *op.Patch.Color != "blue" || *op.Patch.StrokeWidth != 3 || op.Patch.Fill != nil {
		t.Fatalf("unexpected patch %+v", op.Patch)
	}
	if err := Validate(op); err != nil {
		t.Fatalf("validate: %v", err)
	}

	add := addOp("p1:1", "p1", 1)
	add.Props.Geometry.Points = []shape.Point{{X: 1, Y: 2}}
	buf, _ := json.Marshal(add)
	var decoded Operation
	if err := json.Unmarshal(buf, &decoded); err != nil {
		t.Fatalf("unmarshal add: %v", err)
	}
	if decoded.Props == nil || decoded.Props.Geometry.Points[0] != (shape.Point{X: 1, Y: 2}) {
		t.Fatalf("unexpected add payload %+v", decoded.Props)
	}
}

func TestOperationDecodeBadPayload(t *testing.T) {
	raw := `{"actorId":"p2","counter":1,"kind":"add","shapeId":"s","payload":{"kind":7}}`
	var op Operation
	if err := json.Unmarshal([]byte(raw), &op); !errors.Is(err, ErrMalformedOperation) {
		t.Fatalf("expected ErrMalformedOperation, got %v", err)
	}
}

func TestLogAcknowledge(t *testing.T) {
	l := NewLog(2)
	for i := uint64(1); i <= 3; i++ {
		err := l.Append(removeOp("s", "p1", i))
		if i <= 2 && err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i == 3 && !errors.Is(err, ErrLogFull) {
			t.Fatalf("expected ErrLogFull, got %v", err)
		}
	}
	if ops := l.Operations(); l.Len() != 2 || ops[0].Stamp.Counter != 1 {
		t.Fatalf("unexpected log contents %v", ops)
	}

	if n := l.Acknowledge(1); n != 1 || l.Room() != 1 {
		t.Fatalf("acknowledged %d, room %d", n, l.Room())
	}
	if n := l.Acknowledge(1); n != 0 {
		t.Fatalf("repeated acknowledgement dropped %d", n)
	}
	if n := l.Acknowledge(10); n != 1 || l.Len() != 0 {
		t.Fatalf("acknowledged %d, left %d", n, l.Len())
	}
}
