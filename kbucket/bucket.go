package kbucket

import (
	"container/list"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kadnet/go-kad-dht/key"
)

// bucket holds the contacts sharing one common prefix length with the local
// node. The front of the list is the most recently seen contact.
type bucket struct {
	list *list.List

	// contacts that did not fit while the bucket was full, newest last.
	replacements *lru.Cache

	// last time a contact was inserted or a lookup targeted this range.
	lastTouched time.Time

	// set while the least recently seen contact is being probed.
	probing bool
}

func newBucket(size int) *bucket {
	cache, err := lru.New(size)
	if err != nil {
		// only fails for a non-positive size, which the table rejects.
		panic(err)
	}
	return &bucket{
		list:         list.New(),
		replacements: cache,
	}
}

func (b *bucket) len() int {
	return b.list.Len()
}

func (b *bucket) find(id key.ID) *list.Element {
	for e := b.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*Contact).ID == id {
			return e
		}
	}
	return nil
}

func (b *bucket) pushFront(c Contact) {
	b.list.PushFront(&c)
}

func (b *bucket) remove(id key.ID) (Contact, bool) {
	e := b.find(id)
	if e == nil {
		return Contact{}, false
	}
	return *b.list.Remove(e).(*Contact), true
}

// leastRecentlySeen returns the tail of the bucket. The bucket must not be empty.
func (b *bucket) leastRecentlySeen() *Contact {
	return b.list.Back().Value.(*Contact)
}

func (b *bucket) contacts() []Contact {
	out := make([]Contact, 0, b.list.Len())
	for e := b.list.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*Contact))
	}
	return out
}

// addReplacement remembers c in case a slot frees up later.
func (b *bucket) addReplacement(c Contact) {
	b.replacements.Add(c.ID, c)
}

// popReplacement removes and returns the most recently added replacement.
func (b *bucket) popReplacement() (Contact, bool) {
	keys := b.replacements.Keys()
	if len(keys) == 0 {
		return Contact{}, false
	}
	newest := keys[len(keys)-1]
	v, _ := b.replacements.Peek(newest)
	b.replacements.Remove(newest)
	return v.(Contact), true
}
