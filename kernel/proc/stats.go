package proc

// NeuralClass selects the weight used by the neural-adaptive algorithm.
type NeuralClass uint8

const (
	NeuralCritical NeuralClass = iota
	NeuralHigh
	NeuralNormal
	NeuralLow
	NeuralBackground
	NeuralIdle
)

var neuralClassNames = [...]string{"critical", "high", "normal", "low", "background", "idle"}

func (c NeuralClass) String() string {
	if int(c) < len(neuralClassNames) {
		return neuralClassNames[c]
	}
	return "unknown"
}

// ParseNeuralClass returns the class with the given name.
func ParseNeuralClass(name string) (NeuralClass, bool) {
	for i, n := range neuralClassNames {
		if n == name {
			return NeuralClass(i), true
		}
	}
	return 0, false
}

// AllCores is the default affinity mask.
const AllCores = ^uint64(0)

// SchedStats is the per-process bookkeeping kept by the advanced scheduler.
type SchedStats struct {
	VRuntime        uint64
	Runtime         uint64
	WaitTime        uint64
	ContextSwitches uint64
	Preemptions     uint64
	Nice            int8
	Deadline        uint64
	NeuralClass     NeuralClass

	// LastRun is the run-queue clock value when the process was last
	// selected.
	LastRun uint64

	// Affinity is a bitmask of cores the process may run on.
	Affinity uint64
}

// EnsureStats returns the statistics block, allocating it on first use.
func (p *Process) EnsureStats() *SchedStats {
	if p.Stats == nil {
		p.Stats = &SchedStats{
			NeuralClass: NeuralNormal,
			Affinity:    AllCores,
		}
	}
	return p.Stats
}
