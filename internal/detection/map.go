package detection

import "sort"

const recallEpsilon = 1e-6

// MeanAveragePrecision averages per-class AP over the classes in
// [0, numClasses) that have at least one ground-truth box. Each class's
// AP is the area under its precision/recall curve, starting at recall 0
// with precision 1. It returns 0 when no class has ground truth.
func MeanAveragePrecision(pred, target []Box, iouThreshold float64, format Format, numClasses int) float64 {
	var sum float64
	var scored int
	for c := 0; c < numClasses; c++ {
		ap, ok := averagePrecision(pred, target, c, iouThreshold, format)
		if !ok {
			continue
		}
		sum += ap
		scored++
	}
	if scored == 0 {
		return 0
	}
	return sum / float64(scored)
}

func averagePrecision(pred, target []Box, class int, iouThreshold float64, format Format) (float64, bool) {
	var detections []Box
	for _, b := range pred {
		if b.Class == class {
			detections = append(detections, b)
		}
	}
	truths := make(map[int][]Box)
	totalTrue := 0
	for _, b := range target {
		if b.Class == class {
			truths[b.SampleIdx] = append(truths[b.SampleIdx], b)
			totalTrue++
		}
	}
	if totalTrue == 0 {
		return 0, false
	}

	used := make(map[int][]bool, len(truths))
	for idx, boxes := range truths {
		used[idx] = make([]bool, len(boxes))
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Score > detections[j].Score
	})

	recalls := make([]float64, 0, len(detections)+1)
	precisions := make([]float64, 0, len(detections)+1)
	recalls = append(recalls, 0)
	precisions = append(precisions, 1)

	var tp, fp float64
	for _, det := range detections {
		best := -1
		bestIoU := 0.0
		for i, gt := range truths[det.SampleIdx] {
			if iou := IoU(det, gt, format); iou > bestIoU {
				bestIoU = iou
				best = i
			}
		}
		if best >= 0 && bestIoU > iouThreshold && !used[det.SampleIdx][best] {
			used[det.SampleIdx][best] = true
			tp++
		} else {
			fp++
		}
		recalls = append(recalls, tp/(float64(totalTrue)+recallEpsilon))
		precisions = append(precisions, tp/(tp+fp+recallEpsilon))
	}
	return trapezoid(precisions, recalls), true
}

func trapezoid(y, x []float64) float64 {
	area := 0.0
	for i := 1; i < len(x); i++ {
		area += (x[i] - x[i-1]) * (y[i] + y[i-1]) / 2
	}
	return area
}
