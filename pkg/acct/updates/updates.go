// Package updates implements the transaction-scoped buffer of update
// objects delivered to subscribers when a transaction commits.
package updates

import (
	"sync"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
)

// Subscriber receives the buffered update objects of a committed
// transaction, in insertion order.
type Subscriber func([]models.UpdateObject)

// Buffer is an ordered list of update objects scoped to one transaction.
// Objects referring to the same entity identity are merged, so callers must
// not assume one update per API call.
type Buffer struct {
	objects []models.UpdateObject
}

// NewBuffer returns an empty update buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func sameIdentity(a, b models.UpdateObject) bool {
	return a.Entity == b.Entity && a.ID == b.ID && a.Cluster == b.Cluster
}

// Add appends an update object, merging it with an already buffered object
// of the same identity. An add followed by a modify of the same uncommitted
// entity collapses into a single add carrying the newer payload; a remove
// supersedes whatever came before it.
func (b *Buffer) Add(obj models.UpdateObject) {
	for i := range b.objects {
		if !sameIdentity(b.objects[i], obj) {
			continue
		}

		switch obj.Kind {
		case models.UpdateRemove:
			b.objects[i].Kind = models.UpdateRemove
			b.objects[i].Payload = obj.Payload
		case models.UpdateModify:
			// Keep an earlier add as an add, subscribers never saw the entity
			if obj.Payload != nil {
				b.objects[i].Payload = obj.Payload
			}
		case models.UpdateAdd:
			b.objects[i].Kind = models.UpdateAdd
			if obj.Payload != nil {
				b.objects[i].Payload = obj.Payload
			}
		}

		return
	}

	b.objects = append(b.objects, obj)
}

// Objects returns the buffered objects in insertion order.
func (b *Buffer) Objects() []models.UpdateObject {
	return b.objects
}

// Len returns the number of buffered objects.
func (b *Buffer) Len() int {
	return len(b.objects)
}

// Reset discards all buffered objects.
func (b *Buffer) Reset() {
	b.objects = nil
}

// Registry holds the subscribers update objects are flushed to at commit.
type Registry struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewRegistry returns an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers a subscriber. Subscribers are invoked synchronously
// inside commit, in registration order.
func (r *Registry) Subscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = append(r.subs, sub)
}

// Flush delivers the buffered objects of a committed transaction to all
// subscribers and resets the buffer.
func (r *Registry) Flush(b *Buffer) {
	objects := b.Objects()
	if len(objects) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		sub(objects)
	}

	b.Reset()
}
