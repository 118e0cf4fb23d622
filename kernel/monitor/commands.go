package monitor

import (
	"strconv"
	"strings"

	"nexusos/kernel"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/proc"
	"nexusos/kernel/sched"
	"nexusos/kernel/syscall"
)

var builtins = []command{
	{"help", "help [command]", "show the available commands", 0, 1, cmdHelp},
	{"spawn", "spawn <name> [priority] [core]", "create a process and queue it", 1, 3, cmdSpawn},
	{"kill", "kill <pid>", "terminate a process", 1, 1, cmdKill},
	{"sleep", "sleep <pid> <ms>", "put a process to sleep", 2, 2, cmdSleep},
	{"wake", "wake <pid>", "wake a sleeping process early", 1, 1, cmdWake},
	{"send", "send <from> <to> <text>", "deliver an IPC message", 3, 3, cmdSend},
	{"recv", "recv <pid> [size]", "receive the oldest IPC message of a process", 1, 2, cmdRecv},
	{"write", "write <pid> <text>", "write text to the console on behalf of a process", 2, 2, cmdWrite},
	{"yield", "yield <pid>", "yield the core running a process", 1, 1, cmdYield},
	{"exit", "exit <pid> [status]", "exit a process through the exit system call", 1, 2, cmdExit},
	{"algo", "algo [name]", "show or set the per-core scheduling algorithm", 0, 1, cmdAlgo},
	{"classic", "classic [name]", "show or set the classic scheduling algorithm", 0, 1, cmdClassic},
	{"nice", "nice <pid> <value>", "set the nice value of a process", 2, 2, cmdNice},
	{"deadline", "deadline <pid> <ms>", "set the deadline of a real-time process", 2, 2, cmdDeadline},
	{"class", "class <pid> <class>", "set the neural weight class of a process", 2, 2, cmdClass},
	{"affinity", "affinity <pid> <mask>", "restrict a process to a set of cores", 2, 2, cmdAffinity},
	{"priority", "priority <pid> <priority>", "change the static priority of a process", 2, 2, cmdPriority},
	{"tick", "tick [count]", "advance the timer", 0, 1, cmdTick},
	{"ps", "ps", "list processes", 0, 0, cmdPS},
	{"info", "info <pid>", "describe a process", 1, 1, cmdInfo},
	{"stats", "stats", "dump kernel statistics", 0, 0, cmdStats},
}

func cmdHelp(m *Monitor, args []string) *kernel.Error {
	if len(args) == 1 {
		cmd, ok := m.commands[args[0]]
		if !ok {
			return errUnknownCommand
		}
		kfmt.Fprintf(m.out, "%s: %s\n", cmd.usage, cmd.desc)
		return nil
	}

	for _, name := range m.names() {
		kfmt.Fprintf(m.out, "%10s  %s\n", name, m.commands[name].desc)
	}
	return nil
}

func cmdSpawn(m *Monitor, args []string) *kernel.Error {
	prio, core := proc.PriorityNormal, -1
	if len(args) > 1 {
		var ok bool
		if prio, ok = proc.ParsePriority(args[1]); !ok {
			return errBadArgument
		}
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return errBadArgument
		}
		core = n
	}

	p, err := m.k.Spawn(args[0], prio, core)
	if err != nil {
		return err
	}
	kfmt.Fprintf(m.out, "spawned %s pid %d\n", p.Name, p.PID)
	return nil
}

func cmdKill(m *Monitor, args []string) *kernel.Error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	return m.k.Kill(pid)
}

func cmdSleep(m *Monitor, args []string) *kernel.Error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	ms, err := parseUint(args[1])
	if err != nil {
		return err
	}
	return m.k.Sleep(pid, ms)
}

func cmdWake(m *Monitor, args []string) *kernel.Error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	woke, err := m.k.Wake(pid)
	if err != nil {
		return err
	}
	if !woke {
		kfmt.Fprintf(m.out, "pid %d is not sleeping\n", pid)
	}
	return nil
}

func cmdSend(m *Monitor, args []string) *kernel.Error {
	from, err := parsePID(args[0])
	if err != nil {
		return err
	}
	to, err := parsePID(args[1])
	if err != nil {
		return err
	}
	return m.k.Send(from, to, []byte(args[2]))
}

func cmdRecv(m *Monitor, args []string) *kernel.Error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}

	size := uint64(proc.DefaultMaxMessageSize)
	if len(args) > 1 {
		if size, err = parseUint(args[1]); err != nil {
			return err
		}
	}

	buf := make([]byte, size)
	ret, err := m.k.Syscall(pid, syscall.Recv, buf)
	if err != nil {
		return err
	}
	if ret < 0 {
		kfmt.Fprintf(m.out, "recv: %s\n", syscall.ErrnoOf(ret).Error())
		return nil
	}
	kfmt.Fprintf(m.out, "pid %d received '%s'\n", pid, buf[:ret])
	return nil
}

func cmdWrite(m *Monitor, args []string) *kernel.Error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}

	text := []byte(args[1])
	ret, err := m.k.Syscall(pid, syscall.Write, text, syscall.Stdout, 0, uint64(len(text)))
	if err != nil {
		return err
	}
	if ret < 0 {
		kfmt.Fprintf(m.out, "write: %s\n", syscall.ErrnoOf(ret).Error())
	}
	return nil
}

func cmdYield(m *Monitor, args []string) *kernel.Error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	_, err = m.k.Syscall(pid, syscall.Yield, nil)
	return err
}

func cmdExit(m *Monitor, args []string) *kernel.Error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}

	var status uint64
	if len(args) > 1 {
		n, convErr := strconv.ParseInt(args[1], 10, 32)
		if convErr != nil {
			return errBadArgument
		}
		status = uint64(n)
	}

	ret, err := m.k.Syscall(pid, syscall.Exit, nil, status)
	if err != nil {
		return err
	}
	if ret < 0 {
		kfmt.Fprintf(m.out, "exit: %s\n", syscall.ErrnoOf(ret).Error())
	}
	return nil
}

func cmdAlgo(m *Monitor, args []string) *kernel.Error {
	if len(args) == 0 {
		kfmt.Fprintf(m.out, "%s\n", m.k.Scheduler().Algorithm())
		return nil
	}

	a, ok := sched.ParseAlgorithm(args[0])
	if !ok {
		return errBadArgument
	}
	return m.k.SetAlgorithm(a)
}

func cmdClassic(m *Monitor, args []string) *kernel.Error {
	if len(args) == 0 {
		kfmt.Fprintf(m.out, "%s\n", m.k.Procs().Scheduler().Algorithm())
		return nil
	}

	a, ok := proc.ParseAlgorithm(args[0])
	if !ok {
		return errBadArgument
	}
	return m.k.Procs().Scheduler().SetAlgorithm(a)
}

func cmdNice(m *Monitor, args []string) *kernel.Error {
	p, err := m.lookup(args[0])
	if err != nil {
		return err
	}
	n, convErr := strconv.ParseInt(args[1], 10, 8)
	if convErr != nil {
		return errBadArgument
	}
	return m.k.Scheduler().SetNice(p, int8(n))
}

func cmdDeadline(m *Monitor, args []string) *kernel.Error {
	p, err := m.lookup(args[0])
	if err != nil {
		return err
	}
	deadline, err := parseUint(args[1])
	if err != nil {
		return err
	}
	return m.k.Scheduler().SetDeadline(p, deadline)
}

func cmdClass(m *Monitor, args []string) *kernel.Error {
	p, err := m.lookup(args[0])
	if err != nil {
		return err
	}
	class, ok := proc.ParseNeuralClass(args[1])
	if !ok {
		return errBadArgument
	}
	return m.k.Scheduler().SetNeuralClass(p, class)
}

func cmdAffinity(m *Monitor, args []string) *kernel.Error {
	p, err := m.lookup(args[0])
	if err != nil {
		return err
	}
	mask, convErr := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
	if convErr != nil || mask == 0 {
		return errBadArgument
	}
	return m.k.Scheduler().SetAffinity(p, mask)
}

func cmdPriority(m *Monitor, args []string) *kernel.Error {
	p, err := m.lookup(args[0])
	if err != nil {
		return err
	}
	prio, ok := proc.ParsePriority(args[1])
	if !ok {
		return errBadArgument
	}
	return m.k.Procs().SetPriority(p, prio)
}

func cmdTick(m *Monitor, args []string) *kernel.Error {
	count := uint64(1)
	if len(args) == 1 {
		var err *kernel.Error
		if count, err = parseUint(args[0]); err != nil {
			return err
		}
	}
	kfmt.Fprintf(m.out, "tick %d\n", m.k.Step(int(count)))
	return nil
}

func cmdPS(m *Monitor, _ []string) *kernel.Error {
	m.k.ProcessList(m.out)
	return nil
}

func cmdInfo(m *Monitor, args []string) *kernel.Error {
	p, err := m.lookup(args[0])
	if err != nil {
		return err
	}
	p.DumpTo(m.out)
	if st := p.Stats; st != nil {
		kfmt.Fprintf(m.out, "  vruntime %d runtime %d wait %d nice %d class %s deadline %d affinity 0x%x\n",
			st.VRuntime, st.Runtime, st.WaitTime, st.Nice, st.NeuralClass, st.Deadline, st.Affinity)
	}
	return nil
}

func cmdStats(m *Monitor, _ []string) *kernel.Error {
	m.k.DumpTo(m.out)
	return nil
}

func (m *Monitor) lookup(arg string) (*proc.Process, *kernel.Error) {
	pid, err := parsePID(arg)
	if err != nil {
		return nil, err
	}
	return m.k.Lookup(pid)
}

func parsePID(arg string) (uint32, *kernel.Error) {
	pid, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, errBadArgument
	}
	return uint32(pid), nil
}

func parseUint(arg string) (uint64, *kernel.Error) {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, errBadArgument
	}
	return n, nil
}
