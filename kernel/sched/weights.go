package sched

import "nexusos/kernel/proc"

// niceWeights maps nice values -20..19 to load weights. Each step is
// roughly a 1.25x change so one nice level is worth about 10% of CPU.
var niceWeights = [40]uint64{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

// nice0Weight is the weight of a process with nice value 0.
const nice0Weight = 1024

// NiceToWeight returns the load weight for a nice value. Values outside
// -20..19 are clamped.
func NiceToWeight(nice int8) uint64 {
	idx := int(nice) + 20
	switch {
	case idx < 0:
		idx = 0
	case idx >= len(niceWeights):
		idx = len(niceWeights) - 1
	}
	return niceWeights[idx]
}

// PriorityToNice returns the nice value a process starts with.
func PriorityToNice(prio proc.Priority) int8 {
	switch prio {
	case proc.PriorityRealtime:
		return -20
	case proc.PriorityHigh:
		return -10
	case proc.PriorityLow:
		return 10
	case proc.PriorityIdle:
		return 19
	default:
		return 0
	}
}

// ClassWeight returns the weight used by the neural-adaptive algorithm.
func ClassWeight(class proc.NeuralClass) uint64 {
	switch class {
	case proc.NeuralCritical:
		return 88761
	case proc.NeuralHigh:
		return 29154
	case proc.NeuralLow:
		return 335
	case proc.NeuralBackground:
		return 110
	case proc.NeuralIdle:
		return 15
	default:
		return nice0Weight
	}
}

// bucketOf returns the run-queue bucket for prio. Bucket 0 holds the most
// important work.
func bucketOf(prio proc.Priority) int {
	b := int(proc.PriorityRealtime) - int(prio)
	if b < 0 || b >= numBuckets {
		return numBuckets - 1
	}
	return b
}
