// Package presence tracks the ephemeral per-peer metadata of a session, such
// as cursor position and active tool. Presence is never persisted; each peer
// always sends its complete metadata map and the last one received wins.
package presence

import (
	"log"
	"maps"

	"collabdraw/clock"
	"collabdraw/notify"
)

// Metadata maps keys to serialized values.
type Metadata map[string]string

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func (m Metadata) Equal(o Metadata) bool {
	return maps.Equal(m, o)
}

// EventType tags presence events.
type EventType string

const PeersChanged EventType = "peers-changed"

// Event lists the peers whose metadata changed, keyed by document key. A nil
// Metadata means the peer left.
type Event struct {
	Type  EventType
	Value map[string]map[clock.ActorID]Metadata
}

// Outbox receives the complete local metadata map after each local change.
type Outbox interface {
	SendPresence(peer clock.ActorID, md Metadata)
}

// Registry holds the metadata of the local peer and of every remote peer per
// document. It is not safe for concurrent use.
type Registry struct {
	local  clock.ActorID
	mine   Metadata
	peers  map[string]map[clock.ActorID]Metadata
	events *notify.Hub[Event]
	outbox Outbox
}

func NewRegistry(local clock.ActorID, logger *log.Logger) *Registry {
	return &Registry{
		local:  local,
		mine:   Metadata{},
		peers:  make(map[string]map[clock.ActorID]Metadata),
		events: notify.NewHub[Event]("presence", logger),
	}
}

// ID returns the local actor id.
func (r *Registry) ID() clock.ActorID {
	return r.local
}

func (r *Registry) SetOutbox(o Outbox) {
	r.outbox = o
}

// SetLocalMetadata overwrites one local key and broadcasts the full local map.
func (r *Registry) SetLocalMetadata(key, value string) {
	r.mine[key] = value
	if r.outbox != nil {
		r.outbox.SendPresence(r.local, r.mine.Clone())
	}
}

func (r *Registry) LocalMetadata() Metadata {
	return r.mine.Clone()
}

// Peers returns the metadata of the remote peers of a document.
func (r *Registry) Peers(documentKey string) map[clock.ActorID]Metadata {
	out := make(map[clock.ActorID]Metadata, len(r.peers[documentKey]))
	for peer, md := range r.peers[documentKey] {
		out[peer] = md.Clone()
	}
	return out
}

func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	return r.events.Subscribe(fn)
}

// ApplyRemoteSnapshot replaces the metadata of each listed peer and publishes
// the peers whose metadata actually changed.
func (r *Registry) ApplyRemoteSnapshot(documentKey string, snapshot map[clock.ActorID]Metadata) {
	doc := r.peers[documentKey]
	if doc == nil {
		doc = make(map[clock.ActorID]Metadata)
		r.peers[documentKey] = doc
	}

	changed := make(map[clock.ActorID]Metadata)
	for peer, md := range snapshot {
		if md == nil {
			md = Metadata{}
		}
		if current, ok := doc[peer]; ok && current.Equal(md) {
			continue
		}
		doc[peer] = md.Clone()
		changed[peer] = md.Clone()
	}
	r.publish(documentKey, changed)
}

// RemovePeer forgets a peer that left the document.
func (r *Registry) RemovePeer(documentKey string, peer clock.ActorID) {
	doc := r.peers[documentKey]
	if _, ok := doc[peer]; !ok {
		return
	}
	delete(doc, peer)
	if len(doc) == 0 {
		delete(r.peers, documentKey)
	}
	r.publish(documentKey, map[clock.ActorID]Metadata{peer: nil})
}

func (r *Registry) publish(documentKey string, changed map[clock.ActorID]Metadata) {
	if len(changed) == 0 {
		return
	}
	r.events.Publish(Event{
		Type:  PeersChanged,
		Value: map[string]map[clock.ActorID]Metadata{documentKey: changed},
	})
}
