package polling

import (
	"math"
	"reflect"
	"time"

	"github.com/dataforeman/connectivity/internal/domain"
)

// changeState is the write-on-change memory of one tag.
type changeState struct {
	cfg      domain.OnChange
	seen     bool
	last     any
	lastEmit time.Time
}

// accept decides whether v should be emitted at now for a tag polled every interval.
// Heartbeats fire on the last poll that still keeps the emission gap within heartbeat_ms.
func (c *changeState) accept(v any, now time.Time, interval time.Duration) bool {
	if !c.cfg.Enabled {
		return true
	}
	emit := false
	switch {
	case !c.seen:
		emit = true
	case c.heartbeatDue(now, interval):
		emit = true
	case c.changed(v):
		emit = true
	}
	if emit {
		c.seen = true
		c.last = v
		c.lastEmit = now
	}
	return emit
}

func (c *changeState) heartbeatDue(now time.Time, interval time.Duration) bool {
	hb := c.cfg.Heartbeat()
	if hb <= 0 {
		return false
	}
	return now.Sub(c.lastEmit)+interval >= hb
}

func (c *changeState) changed(v any) bool {
	cur, okCur := toFloatStrict(v)
	prev, okPrev := toFloatStrict(c.last)
	if !okCur || !okPrev {
		return !reflect.DeepEqual(v, c.last)
	}
	diff := math.Abs(cur - prev)
	if c.cfg.Deadband <= 0 {
		return diff > 0
	}
	if c.cfg.DeadbandType == domain.DeadbandPercent {
		if prev == 0 {
			return diff > 0
		}
		return diff/math.Abs(prev)*100 > c.cfg.Deadband
	}
	return diff > c.cfg.Deadband
}

// toFloatStrict only accepts numeric kinds; bools and strings compare by equality.
func toFloatStrict(v any) (float64, bool) {
	switch v.(type) {
	case bool, string, nil:
		return 0, false
	}
	return toFloat(v)
}
