package monitor

import (
	"bytes"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"nexusos/kernel/hal/hosted"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/kmain"
	"nexusos/kernel/proc"
	"nexusos/kernel/sched"
)

func newTestMonitor(t *testing.T, cmdLine string) (*Monitor, *kmain.Kernel, *bytes.Buffer) {
	t.Helper()

	sink := kfmt.GetOutputSink()
	t.Cleanup(func() { kfmt.SetOutputSink(sink) })

	log := logrus.New()
	log.SetOutput(ioutil.Discard)

	k, err := kmain.Boot(hosted.New(hosted.Config{Cores: 2, CmdLine: "cores=2 hz=1000 " + cmdLine, Logger: log}))
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	return New(k, &out), k, &out
}

func TestExec(t *testing.T) {
	m, _, out := newTestMonitor(t, "")

	specs := []struct {
		line   string
		expErr bool
	}{
		{"", false},
		{"# a comment", false},
		{"help", false},
		{"help spawn", false},
		{"help frobnicate", true},
		{"frobnicate", true},
		{"spawn", true},
		{"spawn a b c d", true},
		{"spawn 'unterminated", true},
		{"spawn worker urgent", true},
		{"spawn worker normal x", true},
		{"kill abc", true},
		{"kill 200", true},
		{"algo lottery", true},
		{"tick -1", true},
	}

	for specIndex, spec := range specs {
		if err := m.Exec(spec.line); (err != nil) != spec.expErr {
			t.Errorf("[spec %d] %q: expected error %t; got %v", specIndex, spec.line, spec.expErr, err)
		}
	}

	if !strings.Contains(out.String(), "spawn <name> [priority] [core]: create a process and queue it") {
		t.Errorf("expected help output for spawn; got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "usage: spawn") {
		t.Errorf("expected a usage line; got:\n%s", out.String())
	}
}

func TestProcessCommands(t *testing.T) {
	m, k, out := newTestMonitor(t, "")

	for _, line := range []string{
		`spawn "neural net" high 1`,
		`spawn shell`,
		`nice 3 -5`,
		`class 3 critical`,
		`deadline 3 40`,
		`affinity 3 0x2`,
		`priority 4 low`,
	} {
		if err := m.Exec(line); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}

	p, _ := k.Lookup(3)
	if p.Name != "neural net" || p.RunLink.Core != 1 {
		t.Fatalf("expected pid 3 to be 'neural net' on core 1; got %q on core %d", p.Name, p.RunLink.Core)
	}
	if st := p.Stats; st.Nice != -5 || st.NeuralClass != proc.NeuralCritical || st.Deadline != 40 || st.Affinity != 2 {
		t.Fatalf("unexpected scheduling statistics %+v", *st)
	}
	if q, _ := k.Lookup(4); q.Priority != proc.PriorityLow {
		t.Fatalf("expected pid 4 to have low priority; got %s", q.Priority)
	}

	out.Reset()
	if err := m.Exec("info 3"); err != nil {
		t.Fatal(err)
	}
	for _, exp := range []string{"process neural net", "class critical", "deadline 40"} {
		if !strings.Contains(out.String(), exp) {
			t.Errorf("expected info to contain %q; got:\n%s", exp, out.String())
		}
	}

	if err := m.Exec("sleep 4 5"); err != nil {
		t.Fatal(err)
	}
	if err := m.Exec("wake 4"); err != nil {
		t.Fatal(err)
	}
	if err := m.Exec("wake 4"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "pid 4 is not sleeping") {
		t.Errorf("expected a second wake to report a running process; got:\n%s", out.String())
	}

	if err := m.Exec("kill 4"); err != nil {
		t.Fatal(err)
	}
	if got := k.Procs().Stats().Zombies; got != 1 {
		t.Fatalf("expected one zombie; got %d", got)
	}
}

func TestIPCCommands(t *testing.T) {
	m, _, out := newTestMonitor(t, "")

	script := `
spawn alpha
spawn beta
send 3 4 "hello beta"
recv 4 5
recv 4
write 3 "from alpha"
`
	if failed := m.Run(strings.NewReader(script)); failed != 0 {
		t.Fatalf("expected script to succeed; %d commands failed:\n%s", failed, out.String())
	}

	for _, exp := range []string{"pid 4 received 'hello'", "recv: resource temporarily unavailable"} {
		if !strings.Contains(out.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out.String())
		}
	}
}

func TestSchedulerCommands(t *testing.T) {
	m, k, out := newTestMonitor(t, "")

	script := `
algo cyberpunk
classic fair
algo
tick 3
exit 99
stats
ps
`
	if failed := m.Run(strings.NewReader(script)); failed != 1 {
		t.Fatalf("expected only 'exit 99' to fail; %d commands failed", failed)
	}

	if got := k.Scheduler().Algorithm(); got != sched.Cyberpunk {
		t.Fatalf("expected algorithm %s; got %s", sched.Cyberpunk, got)
	}
	if got := k.Procs().Scheduler().Algorithm(); got != proc.Fair {
		t.Fatalf("expected classic algorithm fair; got %s", got)
	}
	if k.Timer().Ticks() != 3 {
		t.Fatalf("expected 3 ticks; got %d", k.Timer().Ticks())
	}
	for _, exp := range []string{"Cyberpunk Priority\n", "tick 3\n", "processes: created", "PID"} {
		if !strings.Contains(out.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out.String())
		}
	}
}
