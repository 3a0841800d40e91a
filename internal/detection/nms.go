package detection

import "sort"

// NonMaxSuppression drops boxes scoring at or below scoreThreshold, then
// greedily keeps the highest scoring box and discards same-class boxes
// overlapping it by iouThreshold or more.
func NonMaxSuppression(boxes []Box, iouThreshold, scoreThreshold float64, format Format) []Box {
	candidates := make([]Box, 0, len(boxes))
	for _, b := range boxes {
		if b.Score > scoreThreshold {
			candidates = append(candidates, b)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	var kept []Box
	for len(candidates) > 0 {
		chosen := candidates[0]
		rest := candidates[:0]
		for _, b := range candidates[1:] {
			if b.Class != chosen.Class || IoU(chosen, b, format) < iouThreshold {
				rest = append(rest, b)
			}
		}
		candidates = rest
		kept = append(kept, chosen)
	}
	return kept
}
