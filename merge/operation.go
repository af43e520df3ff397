package merge

import (
	"errors"
	"fmt"

	"collabdraw/clock"
	"collabdraw/shape"
)

var (
	// ErrMalformedOperation marks an operation with an unknown kind or a
	// missing required field. Such operations are dropped.
	ErrMalformedOperation = errors.New("malformed operation")
	// ErrUnknownShape is returned for local edits of a shape that is not
	// present.
	ErrUnknownShape = errors.New("unknown shape")
	// ErrDuplicateShape is returned for a local Add of an id already in use.
	ErrDuplicateShape = errors.New("duplicate shape")
	// ErrLogFull is returned for local edits while the log already holds
	// its limit of operations the relay has not confirmed.
	ErrLogFull = errors.New("too many unacknowledged operations")
)

// Kind is the operation type.
type Kind string

const (
	KindAdd    Kind = "add"
	KindUpdate Kind = "update"
	KindRemove Kind = "remove"
)

// Intent is a local edit before it is stamped.
type Intent struct {
	Kind    Kind
	ShapeID shape.ID
	Props   *shape.Props
	Patch   *shape.Patch
}

func AddIntent(id shape.ID, props shape.Props) Intent {
	return Intent{Kind: KindAdd, ShapeID: id, Props: &props}
}

func UpdateIntent(id shape.ID, patch shape.Patch) Intent {
	return Intent{Kind: KindUpdate, ShapeID: id, Patch: &patch}
}

func RemoveIntent(id shape.ID) Intent {
	return Intent{Kind: KindRemove, ShapeID: id}
}

// Operation is a stamped, replayable mutation of the document. Operations are
// never modified after creation.
type Operation struct {
	Kind    Kind
	ShapeID shape.ID
	Stamp   clock.Stamp
	Props   *shape.Props
	Patch   *shape.Patch
}

func (op Operation) String() string {
	return fmt.Sprintf("%s %s @%s", op.Kind, op.ShapeID, op.Stamp)
}

// Clone deep-copies the payload.
func (op Operation) Clone() Operation {
	if op.Props != nil {
		p := op.Props.Clone()
		op.Props = &p
	}
	if op.Patch != nil {
		p := op.Patch.Clone()
		op.Patch = &p
	}
	return op
}

// Validate checks that the operation carries what its kind requires.
func Validate(op Operation) error {
	if op.ShapeID == "" {
		return fmt.Errorf("%w: missing shape id", ErrMalformedOperation)
	}
	if op.Stamp.Actor == "" || op.Stamp.Counter == 0 {
		return fmt.Errorf("%w: missing stamp on %s", ErrMalformedOperation, op.ShapeID)
	}
	switch op.Kind {
	case KindAdd:
		if op.Props == nil || op.Props.Kind == "" {
			return fmt.Errorf("%w: add %s without shape", ErrMalformedOperation, op.ShapeID)
		}
	case KindUpdate:
		if op.Patch == nil || op.Patch.IsEmpty() {
			return fmt.Errorf("%w: update %s without fields", ErrMalformedOperation, op.ShapeID)
		}
	case KindRemove:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, op.Kind)
	}
	return nil
}
