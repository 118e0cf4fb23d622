package kmain

import (
	"strconv"

	"nexusos/kernel/kfmt"
	"nexusos/kernel/proc"
	"nexusos/kernel/sched"
	"nexusos/kernel/smp"
	"nexusos/kernel/timer"
)

// DefaultReapPeriod is the number of ticks between two reaper passes.
const DefaultReapPeriod = 100

// Config holds the boot options read from the kernel command line.
type Config struct {
	// Cores is the number of cores to bring up (cores=N).
	Cores int

	// Hz is the timer frequency (hz=N).
	Hz uint32

	// Algorithm selects the per-core scheduler algorithm (sched=name).
	Algorithm sched.Algorithm

	// Classic selects the classic scheduler discipline (classic=name).
	Classic proc.Algorithm

	// TimeSlice is the per-core slice in milliseconds (slice=N).
	TimeSlice uint64

	// MailboxDepth bounds IPC mailboxes; 0 is unbounded (mailbox=N).
	MailboxDepth int

	// MaxMessageSize is the largest IPC payload (msgsize=N).
	MaxMessageSize int

	// ReapPeriod is the reaper interval in ticks; 0 disables the reaper
	// (reap=N).
	ReapPeriod uint64
}

// DefaultConfig returns the options used for keys missing from the
// command line.
func DefaultConfig() Config {
	return Config{
		Cores:          smp.DefaultCores,
		Hz:             timer.DefaultHz,
		Algorithm:      sched.DefaultAlgorithm,
		Classic:        proc.RoundRobin,
		TimeSlice:      sched.DefaultTimeSlice,
		MailboxDepth:   proc.DefaultMailboxDepth,
		MaxMessageSize: proc.DefaultMaxMessageSize,
		ReapPeriod:     DefaultReapPeriod,
	}
}

// ParseConfig builds a Config from the key/value pairs of the boot command
// line. Invalid values are reported and replaced by their defaults.
func ParseConfig(cmdLine map[string]string) Config {
	cfg := DefaultConfig()

	for key, val := range cmdLine {
		ok := true
		switch key {
		case "cores":
			ok = parseInt(val, 1, smp.MaxCores, &cfg.Cores)
		case "hz":
			var hz int
			if ok = parseInt(val, 1, 10000, &hz); ok {
				cfg.Hz = uint32(hz)
			}
		case "sched":
			cfg.Algorithm, ok = sched.ParseAlgorithm(val)
			if !ok {
				cfg.Algorithm = sched.DefaultAlgorithm
			}
		case "classic":
			cfg.Classic, ok = proc.ParseAlgorithm(val)
		case "slice":
			var slice int
			if ok = parseInt(val, 1, 1000, &slice); ok {
				cfg.TimeSlice = uint64(slice)
			}
		case "mailbox":
			ok = parseInt(val, 0, 1<<16, &cfg.MailboxDepth)
		case "msgsize":
			ok = parseInt(val, 1, 1<<16, &cfg.MaxMessageSize)
		case "reap":
			var period int
			if ok = parseInt(val, 0, 1<<20, &period); ok {
				cfg.ReapPeriod = uint64(period)
			}
		}

		if !ok {
			kfmt.Printf("[kmain] ignoring invalid value '%s' for boot option %s\n", val, key)
		}
	}

	return cfg
}

// parseInt stores val in out if it is a decimal in [min, max].
func parseInt(val string, min, max int, out *int) bool {
	n, err := strconv.Atoi(val)
	if err != nil || n < min || n > max {
		return false
	}
	*out = n
	return true
}
