package watch

import "sync"

// Cache tracks the set of locations currently considered marked active.
// A key is present iff the most recent poll cycle observed that cell as
// marked. Cells a snapshot does not report at all are left untouched; there
// is no expiry independent of poll cycles, so a cell the source stops
// reporting entirely stays active until it reappears unmarked.
type Cache struct {
	entries sync.Map // Location key → struct{}
}

func NewCache() *Cache {
	return &Cache{}
}

// MarkActive records loc as active and reports whether it was newly
// inserted, i.e. an inactive→active edge worth an event.
func (c *Cache) MarkActive(loc Location) bool {
	_, loaded := c.entries.LoadOrStore(loc.Key(), struct{}{})
	return !loaded
}

// MarkInactive removes loc and reports whether it was present.
func (c *Cache) MarkInactive(loc Location) bool {
	_, loaded := c.entries.LoadAndDelete(loc.Key())
	return loaded
}

// Len counts the currently active locations.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
