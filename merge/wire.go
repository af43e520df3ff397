package merge

import (
	"encoding/json"
	"fmt"

	"collabdraw/clock"
	"collabdraw/shape"
)

// wireOperation is the JSON form of an Operation:
// {actorId, counter, kind, shapeId, payload?}.
type wireOperation struct {
	ActorID clock.ActorID   `json:"actorId"`
	Counter uint64          `json:"counter"`
	Kind    Kind            `json:"kind"`
	ShapeID shape.ID        `json:"shapeId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{
		ActorID: op.Stamp.Actor,
		Counter: op.Stamp.Counter,
		Kind:    op.Kind,
		ShapeID: op.ShapeID,
	}
	var payload any
	switch {
	case op.Kind == KindAdd && op.Props != nil:
		payload = op.Props
	case op.Kind == KindUpdate && op.Patch != nil:
		payload = op.Patch
	}
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op.Kind, err)
		}
		w.Payload = buf
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. It does not validate: unknown kinds
// and missing fields are left for Validate so they can be dropped one by one.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	*op = Operation{
		Kind:    w.Kind,
		ShapeID: w.ShapeID,
		Stamp:   clock.Stamp{Actor: w.ActorID, Counter: w.Counter},
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}
	switch w.Kind {
	case KindAdd:
		var props shape.Props
		if err := json.Unmarshal(w.Payload, &props); err != nil {
			return fmt.Errorf("%w: add payload: %v", ErrMalformedOperation, err)
		}
		op.Props = &props
	case KindUpdate:
		var patch shape.Patch
		if err := json.Unmarshal(w.Payload, &patch); err != nil {
			return fmt.Errorf("%w: update payload: %v", ErrMalformedOperation, err)
		}
		op.Patch = &patch
	}
	return nil
}
