package substrate

import "slices"

// Pick chooses the idle task a polling worker should run next: the first
// one hinted at that worker, else the first one without a hint, else the
// first one at all. Hints are soft, so an idle worker is never left
// waiting while work is queued. It returns -1 when idle is empty.
func Pick[T any](workerID string, idle []T, hint func(T) []string) int {
	unhinted, hintedElsewhere := -1, -1

	for i, t := range idle {
		h := hint(t)
		switch {
		case len(h) == 0:
			if unhinted < 0 {
				unhinted = i
			}
		case slices.Contains(h, workerID):
			return i
		default:
			if hintedElsewhere < 0 {
				hintedElsewhere = i
			}
		}
	}

	if unhinted >= 0 {
		return unhinted
	}
	return hintedElsewhere
}
