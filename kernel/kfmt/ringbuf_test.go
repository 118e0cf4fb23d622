package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	const msg = "[smp] core 1 online"

	t.Run("write then drain", func(t *testing.T) {
		var rb ringBuffer
		rb.Write([]byte(msg))
		if rb.Len() != len(msg) {
			t.Fatalf("expected Len %d; got %d", len(msg), rb.Len())
		}

		var buf bytes.Buffer
		io.Copy(&buf, &rb)
		if got := buf.String(); got != msg {
			t.Fatalf("expected %q; got %q", msg, got)
		}

		if n, err := rb.Read(make([]byte, 1)); n != 0 || err != io.EOF {
			t.Fatalf("expected EOF on empty buffer; got %d, %v", n, err)
		}
	})

	t.Run("wraps around the end", func(t *testing.T) {
		var rb ringBuffer
		rb.rIndex, rb.wIndex = ringBufferSize-4, ringBufferSize-4
		rb.Write([]byte(msg))

		var buf bytes.Buffer
		one := make([]byte, 1)
		for {
			if _, err := rb.Read(one); err == io.EOF {
				break
			}
			buf.Write(one)
		}

		if got := buf.String(); got != msg {
			t.Fatalf("expected %q; got %q", msg, got)
		}
	})

	t.Run("overflow drops oldest bytes", func(t *testing.T) {
		var rb ringBuffer
		rb.Write(bytes.Repeat([]byte{'a'}, ringBufferSize))
		rb.Write([]byte("end"))

		var buf bytes.Buffer
		io.Copy(&buf, &rb)
		got := buf.String()
		if len(got) != ringBufferSize-1 {
			t.Fatalf("expected %d retained bytes; got %d", ringBufferSize-1, len(got))
		}
		if got[len(got)-3:] != "end" {
			t.Fatalf("expected newest bytes at the tail; got %q", got[len(got)-3:])
		}
	})
}
