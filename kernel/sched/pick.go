package sched

import (
	"math"
	"math/bits"
	"strings"

	"nexusos/kernel/proc"
)

// preferredNames are the name fragments favoured by the cyberpunk picker.
var preferredNames = [...]string{"neural", "cyber", "matrix"}

// pickFunc selects the next process from rq without dequeuing it. The
// caller holds rq.lock.
type pickFunc func(rq *RunQueue, now uint64) *proc.Process

var pickers = [...]pickFunc{
	RoundRobin: pickFirstBucket,
	CFS:        pickMinVRuntime,
	Realtime:   pickEarliestDeadline,
	Neural:     pickNeural,
	Cyberpunk:  pickCyberpunk,
}

// pickFirstBucket returns the head of the most important non-empty bucket.
func pickFirstBucket(rq *RunQueue, _ uint64) *proc.Process {
	if rq.bitmap == 0 {
		return nil
	}
	return rq.active[bits.TrailingZeros32(rq.bitmap)]
}

// pickMinVRuntime returns the process with the smallest virtual runtime.
func pickMinVRuntime(rq *RunQueue, _ uint64) *proc.Process {
	var (
		best    *proc.Process
		minimum uint64 = math.MaxUint64
	)
	rq.each(func(p *proc.Process) {
		if p.Stats.VRuntime < minimum || best == nil {
			best, minimum = p, p.Stats.VRuntime
		}
	})
	return best
}

// pickEarliestDeadline considers the two most important buckets and returns
// the process with the earliest non-zero deadline.
func pickEarliestDeadline(rq *RunQueue, _ uint64) *proc.Process {
	var (
		best     *proc.Process
		earliest uint64 = math.MaxUint64
	)
	for b := 0; b < 2; b++ {
		for p := rq.active[b]; p != nil; p = p.RunLink.Next {
			if d := p.Stats.Deadline; d != 0 && d < earliest {
				best, earliest = p, d
			}
		}
	}
	return best
}

// NeuralScore rates how urgently p should run at scheduler time now. It
// grows with the time since p last ran and with its class weight and
// shrinks with the runtime it has already consumed.
func NeuralScore(st *proc.SchedStats, now uint64) uint64 {
	var wait uint64
	if now > st.LastRun {
		wait = now - st.LastRun
	}
	return wait * ClassWeight(st.NeuralClass) / (st.Runtime + 1)
}

// pickNeural returns the process with the highest neural score. Ties go to
// the first process in scan order.
func pickNeural(rq *RunQueue, now uint64) *proc.Process {
	var (
		best      *proc.Process
		bestScore uint64
	)
	rq.each(func(p *proc.Process) {
		if score := NeuralScore(p.Stats, now); best == nil || score > bestScore {
			best, bestScore = p, score
		}
	})
	return best
}

// pickCyberpunk scans the most important non-empty bucket for a process
// with a preferred name and falls back to the bucket head.
func pickCyberpunk(rq *RunQueue, now uint64) *proc.Process {
	head := pickFirstBucket(rq, now)
	for p := head; p != nil; p = p.RunLink.Next {
		for _, frag := range preferredNames {
			if strings.Contains(p.Name, frag) {
				return p
			}
		}
	}
	return head
}
