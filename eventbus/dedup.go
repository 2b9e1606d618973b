package eventbus

import (
	lru "github.com/hashicorp/golang-lru"
)

const DefaultDedupSize = 4096

// Deduper remembers recently seen event identifiers so redelivered events can be skipped.
type Deduper struct {
	seen *lru.Cache
}

func NewDeduper(size int) (*Deduper, error) {
	if size <= 0 {
		size = DefaultDedupSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Deduper{seen: cache}, nil
}

// Seen records id and reports whether it had already been recorded. Empty ids are never
// considered duplicates.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}
	found, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return found
}
