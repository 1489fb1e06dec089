package launch

import (
	"bufio"
	"io"
	"strings"
)

const (
	panicPrefix   = "panic: "
	maxTraceBytes = 64 << 10
	maxLineBytes  = 1 << 20
)

// scanPanics copies r to w and calls report with every Go panic found in
// the stream. A panic runs from a line starting with "panic: " up to the next
// such line or the end of the stream. Traces are truncated to maxTraceBytes.
func scanPanics(r io.Reader, w io.Writer, report func(trace string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	var trace strings.Builder
	inPanic := false
	flush := func() {
		if inPanic {
			report(strings.TrimRight(trace.String(), "\n"))
		}
		trace.Reset()
		inPanic = false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}

		if strings.HasPrefix(line, panicPrefix) {
			flush()
			inPanic = true
		}
		if inPanic && trace.Len() < maxTraceBytes {
			trace.WriteString(line)
			trace.WriteByte('\n')
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		// Keep the rest of the output even if a line was too long to scan.
		_, _ = io.Copy(w, r)
		return err
	}
	return nil
}
