package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bgble/internal/tick"
	"golang.org/x/term"
)

// tickPrinter writes one line per tick. Colour is used only when w is a terminal.
type tickPrinter struct {
	w       io.Writer
	counter *color.Color
	value   *color.Color
	ok      *color.Color
}

func newTickPrinter(w io.Writer) *tickPrinter {
	p := &tickPrinter{
		w:       w,
		counter: color.New(color.FgCyan),
		value:   color.New(color.FgGreen, color.Bold),
		ok:      color.New(color.FgYellow),
	}
	if !isTerminal(w) {
		p.counter.DisableColor()
		p.value.DisableColor()
		p.ok.DisableColor()
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *tickPrinter) download(received, total int, value uint32) {
	fmt.Fprintf(p.w, "%s %s\n", p.counter.Sprintf("[%d/%d]", received, total), p.value.Sprint(value))
}

func (p *tickPrinter) drain(received int, value uint32) {
	fmt.Fprintf(p.w, "%s %s\n", p.counter.Sprintf("[%d]", received), p.value.Sprint(value))
}

func (p *tickPrinter) summary(s tick.Session) {
	elapsed := s.Finished.Sub(s.Started).Round(time.Millisecond)
	fmt.Fprintln(p.w, p.ok.Sprintf("%s: %d ticks from %s in %s", s.Mode, s.Received, s.DeviceID, elapsed))
}
