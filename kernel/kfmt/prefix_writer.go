package kfmt

import "io"

// PrefixWriter wraps an io.Writer and emits Prefix at the start of every
// line. The dump helpers use it to indent nested records.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix string

	midLine bool
}

// Write forwards p to the sink, inserting the prefix after each line feed.
// The returned count excludes the injected prefixes. A nil sink writes to
// the active output sink.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written int
		sink    = w.Sink
	)
	if sink == nil {
		sink = consoleWriter{}
	}

	for len(p) != 0 {
		if !w.midLine {
			if _, err := io.WriteString(sink, w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineLen := len(p)
		for i, b := range p {
			if b == '\n' {
				lineLen = i + 1
				w.midLine = false
				break
			}
		}

		n, err := sink.Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}
		p = p[lineLen:]
	}

	return written, nil
}
