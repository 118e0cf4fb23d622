// Package syscall dispatches system calls issued by processes. The call
// number travels in RAX and the arguments in RDI, RSI, RDX, R10, R8 and R9
// of the caller's saved context; the result is written back to RAX.
package syscall

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/proc"
)

// Number identifies a system call.
type Number uint64

const (
	Exit Number = iota
	Read
	Write
	Open
	Close
	Fork
	Exec
	Wait
	Kill
	Sleep
	Yield
	GetPID
	GetPPID
	Mmap
	Munmap
	Brk
	Pipe
	Dup
	Ioctl
	Stat
	Mkdir
	Rmdir
	Chdir
	Getcwd
	Sigaction
	Sigreturn
	Socket
	Bind
	Listen
	Accept
	Connect
	Send
	Recv

	// MaxNumber is the highest system-call number.
	MaxNumber = Recv
)

// Standard file descriptors.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// Host provides the scheduling services whose behaviour depends on the
// core issuing the call.
type Host interface {
	// Yield gives up the processor on behalf of p.
	Yield(p *proc.Process)
}

// Call is a single system-call invocation. Buf stands in for the user
// buffer referenced by the call's pointer argument.
type Call struct {
	Proc *proc.Process
	Regs *cpu.Context
	Buf  []byte
}

// Arg returns argument i (0-5) of the call.
func (c *Call) Arg(i int) uint64 {
	switch i {
	case 0:
		return c.Regs.RDI
	case 1:
		return c.Regs.RSI
	case 2:
		return c.Regs.RDX
	case 3:
		return c.Regs.R10
	case 4:
		return c.Regs.R8
	case 5:
		return c.Regs.R9
	}
	return 0
}

// handler implements one system call and returns its result or a negated
// Errno.
type handler func(d *Dispatcher, c *Call) int64

var handlers = [MaxNumber + 1]handler{
	Exit:    sysExit,
	Read:    sysRead,
	Write:   sysWrite,
	Open:    sysNotImplemented,
	Close:   sysNotImplemented,
	Fork:    sysNotImplemented,
	Exec:    sysNotImplemented,
	Wait:    sysNotImplemented,
	Kill:    sysNotImplemented,
	Sleep:   sysSleep,
	Yield:   sysYield,
	GetPID:  sysGetPID,
	GetPPID: sysGetPPID,
	Mmap:    sysNotImplemented,
	Munmap:  sysNotImplemented,
	Brk:     sysNotImplemented,
	Pipe:    sysPipe,
	Send:    sysSend,
	Recv:    sysRecv,
}

// Stats counts dispatched system calls.
type Stats struct {
	Total  uint64
	Errors uint64
	Calls  [MaxNumber + 1]uint64
}

// Dispatcher routes system calls to the process manager.
type Dispatcher struct {
	procs *proc.Manager
	host  Host

	total  uint64
	errors uint64
	calls  [MaxNumber + 1]uint64
}

// NewDispatcher returns a dispatcher serving procs.
func NewDispatcher(procs *proc.Manager, host Host) *Dispatcher {
	kfmt.Printf("[syscall] %d system calls registered\n", int(MaxNumber)+1)
	return &Dispatcher{procs: procs, host: host}
}

// Dispatch executes the call described by c.Regs on behalf of c.Proc and
// stores the result in RAX. The result is also returned.
func (d *Dispatcher) Dispatch(c *Call) int64 {
	if c == nil || c.Regs == nil {
		atomic.AddUint64(&d.errors, 1)
		return EFAULT.Result()
	}

	num := Number(c.Regs.RAX)
	var ret int64
	switch {
	case c.Proc == nil:
		ret = ESRCH.Result()
	case num > MaxNumber:
		kfmt.Printf("[syscall] pid %d: call %d out of range\n", c.Proc.PID, uint64(num))
		ret = ENOSYS.Result()
	default:
		atomic.AddUint64(&d.total, 1)
		atomic.AddUint64(&d.calls[num], 1)

		h := handlers[num]
		if h == nil {
			h = sysNotImplemented
		}
		ret = h(d, c)
	}

	if ret < 0 {
		atomic.AddUint64(&d.errors, 1)
	}
	c.Regs.RAX = uint64(ret)
	return ret
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	st := Stats{
		Total:  atomic.LoadUint64(&d.total),
		Errors: atomic.LoadUint64(&d.errors),
	}
	for i := range d.calls {
		st.Calls[i] = atomic.LoadUint64(&d.calls[i])
	}
	return st
}

func sysNotImplemented(_ *Dispatcher, _ *Call) int64 {
	return ENOSYS.Result()
}

func sysExit(d *Dispatcher, c *Call) int64 {
	c.Proc.ExitStatus = int32(c.Arg(0))
	if err := d.procs.Terminate(c.Proc); err != nil {
		return errnoFor(err).Result()
	}
	kfmt.Printf("[syscall] pid %d exited with status %d\n", c.Proc.PID, c.Proc.ExitStatus)
	d.host.Yield(c.Proc)
	return 0
}

// sysRead serves stdin only, which is always at end of file.
func sysRead(_ *Dispatcher, c *Call) int64 {
	if c.Arg(0) != Stdin {
		return EBADF.Result()
	}
	return 0
}

func sysWrite(_ *Dispatcher, c *Call) int64 {
	fd, count := c.Arg(0), c.Arg(2)
	if count == 0 {
		return EINVAL.Result()
	}
	if count > uint64(len(c.Buf)) {
		return EFAULT.Result()
	}
	if fd != Stdout && fd != Stderr {
		return EBADF.Result()
	}

	kfmt.Printf("[user] %s: %s\n", c.Proc.Name, c.Buf[:count])
	return int64(count)
}

func sysSleep(d *Dispatcher, c *Call) int64 {
	if err := d.procs.SleepProcess(c.Proc, c.Arg(0)); err != nil {
		return errnoFor(err).Result()
	}
	return 0
}

func sysYield(d *Dispatcher, c *Call) int64 {
	d.host.Yield(c.Proc)
	return 0
}

func sysGetPID(_ *Dispatcher, c *Call) int64 {
	return int64(c.Proc.PID)
}

func sysGetPPID(_ *Dispatcher, c *Call) int64 {
	return int64(c.Proc.PPID)
}

// sysPipe stores the read and write descriptors as two little-endian
// 32-bit values in the user buffer.
func sysPipe(d *Dispatcher, c *Call) int64 {
	if len(c.Buf) < 8 {
		return EFAULT.Result()
	}

	readFD, writeFD := d.procs.CreateChannel()
	binary.LittleEndian.PutUint32(c.Buf[0:], readFD)
	binary.LittleEndian.PutUint32(c.Buf[4:], writeFD)
	return 0
}

// sysSend delivers the first count bytes of the user buffer to the
// process whose PID is in argument 0.
func sysSend(d *Dispatcher, c *Call) int64 {
	dest, count := c.Arg(0), c.Arg(1)
	if count > uint64(len(c.Buf)) {
		return EFAULT.Result()
	}
	if dest > math.MaxUint32 {
		return ESRCH.Result()
	}
	if err := d.procs.Send(c.Proc, uint32(dest), c.Buf[:count]); err != nil {
		return errnoFor(err).Result()
	}
	return int64(count)
}

// sysRecv copies the oldest pending message into the user buffer and
// returns its length. The sender PID is written to RDX.
func sysRecv(d *Dispatcher, c *Call) int64 {
	n, sender, err := d.procs.Receive(c.Proc, c.Buf)
	if err != nil {
		return errnoFor(err).Result()
	}
	c.Regs.RDX = uint64(sender)
	return int64(n)
}

// errnoFor maps kernel errors to system-call error numbers.
func errnoFor(err *kernel.Error) Errno {
	switch err {
	case proc.ErrMailboxFull, proc.ErrMailboxEmpty:
		return EAGAIN
	case proc.ErrMessageTooLarge:
		return E2BIG
	case proc.ErrNoSuchProcess:
		return ESRCH
	}
	return EINVAL
}
