package proc

import (
	"bytes"
	"sync"
	"testing"

	"nexusos/kernel"
)

func TestIPCRoundTrip(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	sender := tk.spawn(t, "sender", PriorityNormal)
	dest := tk.spawn(t, "dest", PriorityNormal)

	payload := []byte("neural handshake")
	if err := tk.mgr.Send(sender, dest.PID, payload); err != nil {
		t.Fatal(err)
	}
	if dest.PendingMessages() != 1 {
		t.Fatalf("expected 1 pending message; got %d", dest.PendingMessages())
	}

	// Mutating the caller's buffer must not affect the queued copy.
	payload[0] = 'X'

	buf := make([]byte, 64)
	n, from, err := tk.mgr.Receive(dest, buf)
	if err != nil {
		t.Fatal(err)
	}
	if from != sender.PID || !bytes.Equal(buf[:n], []byte("neural handshake")) {
		t.Fatalf("unexpected message from %d: %q", from, buf[:n])
	}
	if dest.PendingMessages() != 0 {
		t.Fatal("expected the mailbox to be empty after a matched send/receive")
	}

	if _, _, err := tk.mgr.Receive(dest, buf); err != ErrMailboxEmpty {
		t.Fatalf("expected ErrMailboxEmpty; got %v", err)
	}
}

func TestIPCOrderingAndTruncation(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	sender := tk.spawn(t, "sender", PriorityNormal)
	dest := tk.spawn(t, "dest", PriorityNormal)

	for _, msg := range []string{"first message", "second"} {
		if err := tk.mgr.Send(sender, dest.PID, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}

	buf := make([]byte, 5)
	n, _, _ := tk.mgr.Receive(dest, buf)
	if string(buf[:n]) != "first" {
		t.Fatalf("expected truncated first message; got %q", buf[:n])
	}

	n, _, _ = tk.mgr.Receive(dest, buf)
	if string(buf[:n]) != "secon" {
		t.Fatalf("expected the second message next; got %q", buf[:n])
	}
}

func TestIPCSendFailuresHaveNoSideEffects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MailboxDepth = 2
	tk := newTestKernel(t, cfg)
	sender := tk.spawn(t, "sender", PriorityNormal)
	dest := tk.spawn(t, "dest", PriorityNormal)

	tk.mgr.Send(sender, dest.PID, []byte("1"))
	tk.mgr.Send(sender, dest.PID, []byte("2"))

	specs := []struct {
		sender *Process
		dest   uint32
		size   int
		expErr *kernel.Error
	}{
		{nil, dest.PID, 1, errNoSender},
		{sender, dest.PID, DefaultMaxMessageSize + 1, ErrMessageTooLarge},
		{sender, 200, 1, ErrNoSuchProcess},
		{sender, MaxProcesses + 5, 1, ErrNoSuchProcess},
		{sender, dest.PID, 1, ErrMailboxFull},
	}

	for specIndex, spec := range specs {
		err := tk.mgr.Send(spec.sender, spec.dest, make([]byte, spec.size))
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if dest.PendingMessages() != 2 {
		t.Fatalf("expected failed sends to leave the mailbox untouched; got %d messages", dest.PendingMessages())
	}

	if err := tk.mgr.Send(sender, dest.PID, make([]byte, DefaultMaxMessageSize)); err != ErrMailboxFull {
		t.Fatalf("expected a maximum-size payload to reach the depth check; got %v", err)
	}
}

func TestIPCUnboundedMailbox(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MailboxDepth = 0
	tk := newTestKernel(t, cfg)
	sender := tk.spawn(t, "sender", PriorityNormal)
	dest := tk.spawn(t, "dest", PriorityNormal)

	for i := 0; i < DefaultMailboxDepth*2; i++ {
		if err := tk.mgr.Send(sender, dest.PID, []byte{byte(i)}); err != nil {
			t.Fatalf("[send %d] unexpected error: %v", i, err)
		}
	}
}

func TestIPCWakesBlockedReceiver(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()
	sender := tk.spawn(t, "sender", PriorityNormal)
	dest := tk.spawn(t, "dest", PriorityNormal)

	if err := tk.mgr.Block(dest); err != nil {
		t.Fatal(err)
	}

	if err := tk.mgr.Send(sender, dest.PID, []byte("wake up")); err != nil {
		t.Fatal(err)
	}
	if dest.State() != StateReady {
		t.Fatalf("expected READY; got %s", dest.State())
	}
	if q := s.Queued(); len(q) != 1 || q[0] != dest {
		t.Fatal("expected the receiver to be re-admitted")
	}
}

func TestCreateChannel(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())

	r, w := tk.mgr.CreateChannel()
	if r != 3 || w != 4 {
		t.Fatalf("expected fds 3/4; got %d/%d", r, w)
	}
	r, w = tk.mgr.CreateChannel()
	if r != 5 || w != 6 {
		t.Fatalf("expected fds 5/6; got %d/%d", r, w)
	}
}

func TestIPCSendRacingDestroy(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	sender := tk.spawn(t, "sender", PriorityNormal)
	dest := tk.spawn(t, "dest", PriorityNormal)
	pid := dest.PID

	var (
		wg   sync.WaitGroup
		stop = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			switch err := tk.mgr.Send(sender, pid, []byte("ping")); err {
			case nil, ErrMailboxFull, ErrNoSuchProcess:
			default:
				t.Errorf("unexpected send error: %v", err)
				return
			}
			_ = dest.PendingMessages()
		}
	}()

	if err := tk.mgr.Terminate(dest); err != nil {
		t.Fatal(err)
	}
	if err := tk.mgr.Destroy(dest); err != nil {
		t.Fatal(err)
	}
	close(stop)
	wg.Wait()

	if got := dest.PendingMessages(); got != 0 {
		t.Fatalf("expected a destroyed process to have no mailbox; got %d messages", got)
	}
	if err := tk.mgr.Send(sender, pid, []byte("late")); err != ErrNoSuchProcess {
		t.Fatalf("expected ErrNoSuchProcess after destroy; got %v", err)
	}
	if mb := tk.mgr.mailboxOf(dest); mb != nil {
		t.Fatal("expected no mailbox to be allocated for a destroyed process")
	}
}
