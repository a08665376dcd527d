package catalog

import "sync/atomic"

// Live holds the current catalog for readers while a watcher swaps in new
// snapshots. Snapshots are never mutated after Replace.
type Live struct {
	cur atomic.Pointer[Catalog]
}

func NewLive(c *Catalog) *Live {
	l := &Live{}
	l.Replace(c)
	return l
}

// Current never returns nil.
func (l *Live) Current() *Catalog {
	if c := l.cur.Load(); c != nil {
		return c
	}
	return &Catalog{}
}

func (l *Live) Replace(c *Catalog) {
	if c == nil {
		c = &Catalog{}
	}
	l.cur.Store(c)
}
