package location

// TemporalOverlap returns the fraction in [0,1] of the two windows that
// intersect. Two ranges are compared as intersection over union. When either
// side is an instant the result is 1 if the instant falls inside the other
// window (or coincides with the other instant) and 0 otherwise.
func TemporalOverlap(stamp, claim TimeWindow) float64 {
	switch {
	case stamp.IsInstant() && claim.IsInstant():
		if stamp.Start.Equal(claim.Start) {
			return 1
		}
		return 0
	case stamp.IsInstant():
		if claim.Contains(stamp.Start) {
			return 1
		}
		return 0
	case claim.IsInstant():
		if stamp.Contains(claim.Start) {
			return 1
		}
		return 0
	}

	start := stamp.Start
	if claim.Start.After(start) {
		start = claim.Start
	}
	end := stamp.End
	if claim.End.Before(end) {
		end = claim.End
	}
	intersection := end.Sub(start)
	if intersection <= 0 {
		return 0
	}

	unionStart := stamp.Start
	if claim.Start.Before(unionStart) {
		unionStart = claim.Start
	}
	unionEnd := stamp.End
	if claim.End.After(unionEnd) {
		unionEnd = claim.End
	}
	union := unionEnd.Sub(unionStart)
	if union <= 0 {
		return 0
	}
	ratio := float64(intersection) / float64(union)
	if ratio > 1 {
		return 1
	}
	return ratio
}
