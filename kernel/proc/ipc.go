package proc

import (
	"sync/atomic"

	"nexusos/kernel"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/sync"
)

var (
	// ErrMailboxFull is returned by Send when the destination mailbox has
	// reached its configured depth.
	ErrMailboxFull = &kernel.Error{Module: "ipc", Message: "destination mailbox is full"}

	// ErrMailboxEmpty is returned by Receive when no message is pending.
	ErrMailboxEmpty = &kernel.Error{Module: "ipc", Message: "no messages"}

	// ErrMessageTooLarge is returned by Send for payloads above the
	// configured maximum message size.
	ErrMessageTooLarge = &kernel.Error{Module: "ipc", Message: "message exceeds the maximum payload size"}

	// ErrNoSuchProcess is returned by Send when the destination PID is
	// not alive.
	ErrNoSuchProcess = &kernel.Error{Module: "ipc", Message: "destination process not found"}

	errNoSender = &kernel.Error{Module: "ipc", Message: "no sending process"}
)

// Message is a single IPC payload in flight.
type Message struct {
	Sender uint32
	Data   []byte

	next *Message
}

type mailbox struct {
	lock       sync.Spinlock
	head, tail *Message
	count      int
}

// mailboxOf returns the mailbox of p, allocating it on first use. It
// returns nil once p has been destroyed.
func (m *Manager) mailboxOf(p *Process) *mailbox {
	m.table.lock.Acquire()
	defer m.table.lock.Release()

	if p.destroyed {
		return nil
	}
	mb := p.mailbox.Load()
	if mb == nil {
		mb = &mailbox{}
		p.mailbox.Store(mb)
	}
	return mb
}

// Send copies data into the mailbox of the process with PID dest. A
// destination blocked waiting for messages is woken and re-admitted. On
// failure nothing is queued.
func (m *Manager) Send(sender *Process, dest uint32, data []byte) *kernel.Error {
	if sender == nil {
		return errNoSender
	}
	if len(data) > m.cfg.MaxMessageSize {
		return ErrMessageTooLarge
	}

	target := m.table.Lookup(dest)
	if target == nil {
		return ErrNoSuchProcess
	}

	msg := &Message{
		Sender: sender.PID,
		Data:   append([]byte(nil), data...),
	}

	mb := m.mailboxOf(target)
	if mb == nil {
		return ErrNoSuchProcess
	}
	mb.lock.Acquire()
	if m.cfg.MailboxDepth > 0 && mb.count >= m.cfg.MailboxDepth {
		mb.lock.Release()
		return ErrMailboxFull
	}
	if mb.tail != nil {
		mb.tail.next = msg
	} else {
		mb.head = msg
	}
	mb.tail = msg
	mb.count++
	mb.lock.Release()

	if target.transition(StateBlocked, StateReady) {
		kfmt.Printf("[ipc] waking pid %d\n", target.PID)
		if err := m.Admit(target); err != nil {
			kfmt.Printf("[ipc] could not requeue pid %d: %s\n", target.PID, err.Message)
		}
	}
	return nil
}

// Receive pops the oldest message from p's mailbox into buf. Payloads
// longer than buf are truncated. It returns the number of bytes copied and
// the sender PID.
func (m *Manager) Receive(p *Process, buf []byte) (int, uint32, *kernel.Error) {
	if p == nil {
		return 0, 0, errNilProcess
	}

	mb := m.mailboxOf(p)
	if mb == nil {
		return 0, 0, ErrMailboxEmpty
	}
	mb.lock.Acquire()
	msg := mb.head
	if msg == nil {
		mb.lock.Release()
		return 0, 0, ErrMailboxEmpty
	}
	mb.head = msg.next
	if mb.head == nil {
		mb.tail = nil
	}
	mb.count--
	mb.lock.Release()

	return copy(buf, msg.Data), msg.Sender, nil
}

// CreateChannel returns a read/write descriptor pair. Descriptors 0-2 are
// reserved for the standard streams.
func (m *Manager) CreateChannel() (readFD, writeFD uint32) {
	writeFD = atomic.AddUint32(&m.nextFD, 2) - 1
	return writeFD - 1, writeFD
}
