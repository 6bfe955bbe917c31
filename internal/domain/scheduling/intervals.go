package scheduling

import "sort"

// normalize sorts intervals, drops empty ones and merges any that overlap
// or touch.
func normalize(ivs []Interval) []Interval {
	var out []Interval
	for _, iv := range ivs {
		if !iv.Empty() {
			out = append(out, iv)
		}
	}
	if len(out) < 2 {
		return out
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	merged := out[:1]
	for _, iv := range out[1:] {
		last := &merged[len(merged)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

func union(a, b []Interval) []Interval {
	all := make([]Interval, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return normalize(all)
}

// subtract removes cut from every interval in base, splitting where needed.
func subtract(base []Interval, cut Interval) []Interval {
	if cut.Empty() {
		return base
	}
	var out []Interval
	for _, iv := range base {
		if !Overlaps(iv, cut) {
			out = append(out, iv)
			continue
		}
		if cut.Start > iv.Start {
			out = append(out, Interval{Start: iv.Start, End: cut.Start})
		}
		if cut.End < iv.End {
			out = append(out, Interval{Start: cut.End, End: iv.End})
		}
	}
	return out
}

func subtractAll(base []Interval, cuts []Interval) []Interval {
	out := normalize(base)
	for _, c := range cuts {
		out = subtract(out, c)
	}
	return out
}

// discretize cuts each interval into back-to-back slots of the given length
// starting at the interval start. Slots never cross an interval boundary.
func discretize(ivs []Interval, minutes int) []Interval {
	if minutes <= 0 {
		return nil
	}
	var out []Interval
	for _, iv := range ivs {
		for s := iv.Start; s.Add(minutes) <= iv.End; s = s.Add(minutes) {
			out = append(out, Interval{Start: s, End: s.Add(minutes)})
		}
	}
	return out
}
