package orbit

import "time"

// Pass is one contiguous visibility interval, clipped to the query
// window.
type Pass struct {
	Start time.Time
	End   time.Time
}

// passRefine is the bisection resolution for pass edges.
const passRefine = time.Second

// FindPasses scans [start, end] at the coarse step and returns every
// interval where visible holds. Transitions are refined by bisection to
// one-second resolution. A pass in progress at a window edge is clipped
// to that edge, never extended beyond it.
func FindPasses(visible func(time.Time) bool, start, end time.Time, coarse time.Duration) []Pass {
	if coarse <= 0 || end.Before(start) {
		return nil
	}

	var passes []Pass
	var open time.Time
	inPass := visible(start)
	if inPass {
		open = start
	}

	prev := start
	for t := start.Add(coarse); ; t = t.Add(coarse) {
		if t.After(end) {
			t = end
		}
		now := visible(t)
		if now != inPass {
			edge := refineEdge(visible, prev, t, inPass)
			if inPass {
				passes = append(passes, Pass{Start: open, End: edge})
			} else {
				open = edge
			}
			inPass = now
		}
		if t.Equal(end) {
			break
		}
		prev = t
	}

	if inPass {
		passes = append(passes, Pass{Start: open, End: end})
	}
	return passes
}

// refineEdge bisects (lo, hi] for the transition out of the wasVisible
// state and returns the boundary time.
func refineEdge(visible func(time.Time) bool, lo, hi time.Time, wasVisible bool) time.Time {
	for hi.Sub(lo) > passRefine {
		mid := lo.Add(hi.Sub(lo) / 2)
		if visible(mid) == wasVisible {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}
