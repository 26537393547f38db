package storage

import (
	"bytes"
	"errors"
	"sort"
)

var ErrReadOnlyParent = errors.New("overlay parent cannot accept commits")

type staged struct {
	value   []byte
	deleted bool
}

// Overlay stages writes over a parent Reader. Reads see staged writes
// first, then fall through to the parent. Nothing reaches the parent until
// Commit; Discard throws the staged writes away.
//
// Overlays nest: a transaction overlay sits on the block overlay, and each
// cross-contract call gets its own overlay on top of its caller's.
type Overlay struct {
	parent Reader
	writes map[string]staged
}

// NewOverlay returns an empty overlay over parent.
func NewOverlay(parent Reader) *Overlay {
	return &Overlay{parent: parent, writes: make(map[string]staged)}
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	if s, ok := o.writes[string(key)]; ok {
		if s.deleted {
			return nil, ErrNotFound
		}
		return bytes.Clone(s.value), nil
	}
	return o.parent.Get(key)
}

func (o *Overlay) Set(key, value []byte) error {
	o.writes[string(key)] = staged{value: bytes.Clone(value)}
	return nil
}

func (o *Overlay) Delete(key []byte) error {
	o.writes[string(key)] = staged{deleted: true}
	return nil
}

// Len returns the number of staged keys.
func (o *Overlay) Len() int { return len(o.writes) }

// Changes returns the staged writes sorted by key.
func (o *Overlay) Changes() []Change {
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := make([]Change, len(keys))
	for i, k := range keys {
		s := o.writes[k]
		changes[i] = Change{Key: []byte(k), Value: s.value, Delete: s.deleted}
	}
	return changes
}

// Commit pushes staged writes into the parent and clears the overlay. A
// parent overlay absorbs them in memory; a Store applies them in one
// atomic write.
func (o *Overlay) Commit() error {
	if len(o.writes) == 0 {
		return nil
	}
	switch p := o.parent.(type) {
	case *Overlay:
		for k, s := range o.writes {
			p.writes[k] = s
		}
	case Store:
		if err := p.Apply(o.Changes()); err != nil {
			return err
		}
	default:
		return ErrReadOnlyParent
	}
	o.Discard()
	return nil
}

// Discard drops all staged writes.
func (o *Overlay) Discard() {
	o.writes = make(map[string]staged)
}
