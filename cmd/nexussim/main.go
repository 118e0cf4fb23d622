// Command nexussim boots the kernel on a simulated multi-core machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"nexusos/kernel/hal/hosted"
	"nexusos/kernel/kmain"
	"nexusos/kernel/monitor"
)

type options struct {
	cores    int
	memMiB   uint
	hz       uint
	sched    string
	classic  string
	slice    uint
	mailbox  int
	msgSize  int
	reap     uint
	stuck    string
	cmdLine  string
	script   string
	duration time.Duration
	logLevel string
	json     bool
	pin      bool
}

func main() {
	var opts options

	flag.IntVar(&opts.cores, "cores", hosted.HostCores(), "Number of simulated cores.")
	flag.UintVar(&opts.memMiB, "mem", 64, "Physical memory size (MiB).")
	flag.UintVar(&opts.hz, "hz", 100, "Timer frequency (Hz).")
	flag.StringVar(&opts.sched, "sched", "neural", "Per-core scheduling algorithm (rr, cfs, edf, neural, cyberpunk).")
	flag.StringVar(&opts.classic, "classic", "round-robin", "Classic scheduler discipline (round-robin, priority, fair).")
	flag.UintVar(&opts.slice, "slice", 10, "Per-core time slice (ms).")
	flag.IntVar(&opts.mailbox, "mailbox", 64, "IPC mailbox depth, 0 for unbounded.")
	flag.IntVar(&opts.msgSize, "msgsize", 256, "Largest IPC message (bytes).")
	flag.UintVar(&opts.reap, "reap", kmain.DefaultReapPeriod, "Reaper period (ticks), 0 disables reaping.")
	flag.StringVar(&opts.stuck, "stuck", "", "Comma-separated APIC ids of cores that never start.")
	flag.StringVar(&opts.cmdLine, "cmdline", "", "Extra kernel command line options; they override the flags above.")
	flag.StringVar(&opts.script, "script", "", "Monitor script to run after boot ('-' reads stdin).")
	flag.DurationVar(&opts.duration, "duration", 0, "Stop after this long; 0 runs until interrupted.")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error).")
	flag.BoolVar(&opts.json, "json", false, "Log in JSON format.")
	flag.BoolVar(&opts.pin, "pin", false, "Pin each simulated core to one host processor.")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	log, err := newLogger(opts.logLevel, opts.json)
	if err != nil {
		return err
	}

	stuck, err := parseStuck(opts.stuck)
	if err != nil {
		return err
	}

	m := hosted.New(hosted.Config{
		Cores:      opts.cores,
		MemorySize: uintptr(opts.memMiB) << 20,
		CmdLine:    buildCmdLine(opts),
		Stuck:      stuck,
		Pin:        opts.pin,
		Logger:     log,
	})
	defer m.Console().Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if opts.script == "" {
		kmain.Kmain(ctx, m)
		return nil
	}
	return runScript(ctx, m, opts)
}

// runScript boots the kernel, runs it in the background and feeds the
// monitor script to it. Without a duration the kernel stops once the
// script is done.
func runScript(ctx context.Context, m *hosted.Machine, opts options) error {
	in := os.Stdin
	if opts.script != "-" {
		f, err := os.Open(opts.script)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	k, kerr := kmain.Boot(m)
	if kerr != nil {
		return kerr
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	failed := monitor.New(k, os.Stdout).Run(in)
	if opts.duration == 0 {
		k.Shutdown()
		cancel()
	}

	if err := <-done; err != nil {
		return err
	}
	if failed != 0 {
		return fmt.Errorf("%d monitor command(s) failed", failed)
	}
	return nil
}

func newLogger(level string, json bool) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// buildCmdLine turns the flags into kernel boot options. Options given with
// -cmdline come last and win.
func buildCmdLine(opts options) string {
	parts := []string{
		"cores=" + strconv.Itoa(opts.cores),
		"hz=" + strconv.FormatUint(uint64(opts.hz), 10),
		"sched=" + opts.sched,
		"classic=" + opts.classic,
		"slice=" + strconv.FormatUint(uint64(opts.slice), 10),
		"mailbox=" + strconv.Itoa(opts.mailbox),
		"msgsize=" + strconv.Itoa(opts.msgSize),
		"reap=" + strconv.FormatUint(uint64(opts.reap), 10),
	}
	if opts.cmdLine != "" {
		parts = append(parts, opts.cmdLine)
	}
	return strings.Join(parts, " ")
}

func parseStuck(list string) ([]uint32, error) {
	var ids []uint32
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid APIC id %q in -stuck", field)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}
