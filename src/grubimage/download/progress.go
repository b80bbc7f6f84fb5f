package download

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

// NewTerminalProgress returns a ProgressCallback that renders a single
// updating progress line on w when w is a terminal, and nil otherwise.
func NewTerminalProgress(w io.Writer, label string) ProgressCallback {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	p := &progressLine{w: w, label: label, interval: 100 * time.Millisecond}
	return p.update
}

type progressLine struct {
	mu       sync.Mutex
	w        io.Writer
	label    string
	interval time.Duration
	last     time.Time
}

func (p *progressLine) update(received, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := total > 0 && received >= total
	if !done && time.Since(p.last) < p.interval {
		return
	}
	p.last = time.Now()

	fmt.Fprintf(p.w, "\r%s %s", p.label, FormatProgress(received, total))
	if done {
		fmt.Fprintln(p.w)
	}
}

// FormatProgress renders "received / total (pct%)", or only the received
// amount when the total is unknown
func FormatProgress(received, total int64) string {
	if total <= 0 {
		return FormatBytes(received)
	}
	return fmt.Sprintf("%s / %s (%d%%)", FormatBytes(received), FormatBytes(total), received*100/total)
}

// FormatBytes renders a byte count with a binary unit
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
