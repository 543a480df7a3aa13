package scheduler

import (
	"time"

	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/instrument"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

// cursor walks one instrument's gaps between its watermark and the
// requested bounds. older moves back toward start, newer forward toward
// end; each step covers at most step days.
type cursor struct {
	key   string
	match func(url string) bool

	older, newer         time.Time
	olderDone, newerDone bool
}

// tableCursor starts at the watermark of an existing table. An empty table
// is walked backwards from end.
func tableCursor(table string, w store.Watermark, start, end time.Time) *cursor {
	c := &cursor{
		key:   table,
		match: func(u string) bool { return instrument.Resolve(u) == table },
	}
	if w.Empty() {
		c.older, c.newerDone = end, true
		return c
	}
	lo, hi := common.Day(w.Min), common.Day(w.Max)
	switch {
	case lo.Before(start):
		c.olderDone = true
	case lo.After(end):
		c.older = end
	default:
		c.older = lo
	}
	switch {
	case hi.After(end):
		c.newerDone = true
	case hi.Before(start):
		c.newer = start
	default:
		c.newer = hi
	}
	if !c.olderDone && !c.newerDone && !c.newer.After(c.older) {
		c.newer = c.older.AddDate(0, 0, 1)
		if c.newer.After(end) {
			c.newerDone = true
		}
	}
	return c
}

// filterCursor covers a requested instrument that has no table yet.
func filterCursor(entry string, end time.Time) *cursor {
	f := catalog.NewFilter([]string{entry})
	return &cursor{key: entry, match: f.Match, older: end, newerDone: true}
}

func (c *cursor) done() bool { return c.olderDone && c.newerDone }

// step returns the next days to fetch and advances the cursor. Days never
// fall outside [start, end].
func (c *cursor) step(start, end time.Time, days int) []time.Time {
	var out []time.Time
	if !c.olderDone {
		lo := c.older.AddDate(0, 0, -(days - 1))
		if !lo.After(start) {
			lo, c.olderDone = start, true
		}
		out = append(out, common.Days(lo, c.older)...)
		c.older = lo.AddDate(0, 0, -1)
	}
	if !c.newerDone {
		hi := c.newer.AddDate(0, 0, days-1)
		if !hi.Before(end) {
			hi, c.newerDone = end, true
		}
		out = append(out, common.Days(c.newer, hi)...)
		c.newer = hi.AddDate(0, 0, 1)
	}
	return out
}
