package document

import (
	"fmt"

	"collabdraw/merge"
	"collabdraw/shape"
)

type stagedState struct {
	live  bool
	shape shape.Shape
}

// Tx is the writable view handed to Mutate callbacks. Edits are staged and
// only applied when the callback returns without error.
type Tx struct {
	doc     *Document
	intents []merge.Intent
	staged  map[shape.ID]stagedState
	nextSeq uint64
	err     error
}

func (tx *Tx) fail(err error) error {
	if tx.err == nil {
		tx.err = err
	}
	return err
}

func (tx *Tx) live(id shape.ID) bool {
	if st, ok := tx.staged[id]; ok {
		return st.live
	}
	return tx.doc.engine.Exists(id)
}

// Get returns the shape as it looks with the staged edits applied.
func (tx *Tx) Get(id shape.ID) (shape.Shape, bool) {
	if st, ok := tx.staged[id]; ok {
		if !st.live {
			return shape.Shape{}, false
		}
		return st.shape.Clone(), true
	}
	return tx.doc.engine.Shape(id)
}

// Add stages a new shape and returns its id.
func (tx *Tx) Add(props shape.Props) (shape.ID, error) {
	if props.Kind == "" {
		return "", tx.fail(fmt.Errorf("add: %w: missing shape kind", merge.ErrMalformedOperation))
	}
	var id shape.ID
	for {
		tx.nextSeq++
		id = tx.doc.newID(tx.nextSeq)
		if _, staged := tx.staged[id]; !staged && !tx.doc.engine.Known(id) {
			break
		}
	}
	tx.staged[id] = stagedState{live: true, shape: shape.Shape{ID: id, Props: props.Clone()}}
	tx.intents = append(tx.intents, merge.AddIntent(id, props.Clone()))
	return id, nil
}

// Update stages a partial update of a live shape.
func (tx *Tx) Update(id shape.ID, patch shape.Patch) error {
	if !tx.live(id) {
		return tx.fail(fmt.Errorf("update %s: %w", id, merge.ErrUnknownShape))
	}
	if patch.IsEmpty() {
		return tx.fail(fmt.Errorf("update %s: %w: no fields", id, merge.ErrMalformedOperation))
	}
	current, _ := tx.Get(id)
	current.Props = current.Props.Apply(patch)
	tx.staged[id] = stagedState{live: true, shape: current}
	tx.intents = append(tx.intents, merge.UpdateIntent(id, patch.Clone()))
	return nil
}

// Remove stages the removal of a live shape.
func (tx *Tx) Remove(id shape.ID) error {
	if !tx.live(id) {
		return tx.fail(fmt.Errorf("remove %s: %w", id, merge.ErrUnknownShape))
	}
	tx.staged[id] = stagedState{live: false}
	tx.intents = append(tx.intents, merge.RemoveIntent(id))
	return nil
}
