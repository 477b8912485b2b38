package subscription

import "github.com/modoterra/rtlstream/pkg/core"

// Cursor pops records one at a time and exposes the subscription's field on
// the current record.
//
//	c := sub.Cursor()
//	for c.Next() {
//		if v, ok := c.Value(); ok {
//			fmt.Printf("%s: %s = %v\n", c.Timestamp(), c.Name(), v)
//		}
//	}
type Cursor struct {
	sub *Subscription
	cur *core.Record
}

// Next advances to the next queued record. It returns false, and clears the
// current record, when the queue is empty.
func (c *Cursor) Next() bool {
	rec, ok := c.sub.TryDequeue()
	c.cur = rec
	return ok
}

// Record returns the current record, nil before the first Next or after the end.
func (c *Cursor) Record() *core.Record { return c.cur }

// Name returns the field this subscription requires.
func (c *Cursor) Name() string { return c.sub.filter.Field }

// Value returns the required field of the current record. ok is false when
// there is no current record or the subscription has no required field.
func (c *Cursor) Value() (v any, ok bool) {
	if c.cur == nil || c.sub.filter.Field == "" {
		return nil, false
	}
	return c.cur.Get(c.sub.filter.Field)
}

// Timestamp returns the "time" field of the current record.
func (c *Cursor) Timestamp() string {
	if c.cur == nil {
		return ""
	}
	return c.cur.Time()
}
