package kmain

import (
	"testing"

	"nexusos/kernel/proc"
	"nexusos/kernel/sched"
)

func TestParseConfig(t *testing.T) {
	specs := []struct {
		cmdLine map[string]string
		check   func(Config) bool
	}{
		{
			map[string]string{},
			func(c Config) bool { return c == DefaultConfig() },
		},
		{
			map[string]string{"cores": "8", "hz": "1000", "slice": "5"},
			func(c Config) bool { return c.Cores == 8 && c.Hz == 1000 && c.TimeSlice == 5 },
		},
		{
			map[string]string{"sched": "edf", "classic": "fair"},
			func(c Config) bool { return c.Algorithm == sched.Realtime && c.Classic == proc.Fair },
		},
		{
			map[string]string{"mailbox": "0", "msgsize": "64", "reap": "0"},
			func(c Config) bool { return c.MailboxDepth == 0 && c.MaxMessageSize == 64 && c.ReapPeriod == 0 },
		},
		{
			map[string]string{"cores": "0", "hz": "fast", "sched": "lottery", "classic": "mlfq", "msgsize": "-1"},
			func(c Config) bool { return c == DefaultConfig() },
		},
		{
			map[string]string{"quiet": "quiet", "cores": "65"},
			func(c Config) bool { return c == DefaultConfig() },
		},
	}

	for specIndex, spec := range specs {
		if got := ParseConfig(spec.cmdLine); !spec.check(got) {
			t.Errorf("[spec %d] unexpected config %+v", specIndex, got)
		}
	}
}
