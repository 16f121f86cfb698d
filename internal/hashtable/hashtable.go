// Package hashtable implements a bucketed hash table keyed by int,
// string, or ustr.Ustr, protected per-bucket rather than by one global
// lock. Grounded on the teacher's hashtable package, trimmed of its
// lock-free-Get atomic-pointer variant (GetRLock/loadptr/storeptr):
// every subsystem that uses this adaptation already serializes its own
// access (bio.Cache holds its own mutex around lookups), so the extra
// complexity of a wait-free read path buys nothing here.
package hashtable

import (
	"fmt"
	"hash/fnv"
	"sync"

	"rv6/internal/ustr"
)

type elem struct {
	key     any
	value   any
	keyHash uint32
	next    *elem
}

type bucket struct {
	sync.Mutex
	first *elem
}

// Hashtable maps keys of type int, string, or ustr.Ustr to arbitrary
// values.
type Hashtable struct {
	buckets []*bucket
}

// New allocates a table with the given number of buckets.
func New(size int) *Hashtable {
	if size <= 0 {
		size = 1
	}
	ht := &Hashtable{buckets: make([]*bucket, size)}
	for i := range ht.buckets {
		ht.buckets[i] = &bucket{}
	}
	return ht
}

func (ht *Hashtable) bucketFor(kh uint32) *bucket {
	return ht.buckets[int(kh%uint32(len(ht.buckets)))]
}

// Get looks up key, reporting whether it was present.
func (ht *Hashtable) Get(key any) (any, bool) {
	kh := khash(key)
	b := ht.bucketFor(kh)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts key/value, reporting false (and leaving the table
// unchanged) if key was already present.
func (ht *Hashtable) Set(key, value any) bool {
	kh := khash(key)
	b := ht.bucketFor(kh)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			return false
		}
	}
	b.first = &elem{key: key, value: value, keyHash: kh, next: b.first}
	return true
}

// Del removes key, panicking if it is not present — every caller in
// this kernel only deletes keys it just confirmed are there.
func (ht *Hashtable) Del(key any) {
	kh := khash(key)
	b := ht.bucketFor(kh)
	b.Lock()
	defer b.Unlock()
	var prev *elem
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
	panic("hashtable: delete of missing key")
}

func hash(key any) uint32 {
	switch k := key.(type) {
	case int:
		return uint32(k)
	case string:
		h := fnv.New32a()
		h.Write([]byte(k))
		return h.Sum32()
	case ustr.Ustr:
		h := fnv.New32a()
		h.Write(k)
		return h.Sum32()
	default:
		panic(fmt.Sprintf("hashtable: unsupported key type %T", key))
	}
}

func khash(key any) uint32 {
	return 2654435761 * hash(key)
}

func equal(a, b any) bool {
	switch x := a.(type) {
	case int:
		return x == b.(int)
	case string:
		return x == b.(string)
	case ustr.Ustr:
		return x.Eq(b.(ustr.Ustr))
	default:
		panic(fmt.Sprintf("hashtable: unsupported key type %T", a))
	}
}
