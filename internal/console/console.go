// Package console provides the interactive terminal front end of agrivoice.
//
// The console shows a single status line (connection badge, microphone level
// meter and the last error) and prints finished transcript lines above it.
// Pressing Enter toggles the session; "q" quits.
package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/agrivoice/internal/session"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

// DefaultMeterWidth is the number of cells of the level meter.
const DefaultMeterWidth = 20

const helpText = "enter: connect / disconnect · q: quit"

// clearLine returns the cursor to column 0 and erases the line.
const clearLine = "\r\x1b[2K"

// Controller is the part of the session manager the console drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Snapshot() session.Snapshot
	OnChange(fn func(session.Snapshot))
	OnTranscript(fn func(s2s.Transcript))
}

// Option configures a [Console].
type Option func(*Console)

// WithTheme sets the colour theme.
func WithTheme(t Theme) Option {
	return func(c *Console) { c.theme = t }
}

// WithMeterWidth sets the level meter width in cells.
func WithMeterWidth(n int) Option {
	return func(c *Console) {
		if n > 0 {
			c.meterWidth = n
		}
	}
}

// WithRedraw makes the status line redraw in place instead of printing a new
// line per change. Enable it only when out is an interactive terminal.
func WithRedraw(on bool) Option {
	return func(c *Console) { c.redraw = on }
}

// Console renders session state to out and reads commands from in.
type Console struct {
	ctl        Controller
	in         io.Reader
	out        io.Writer
	theme      Theme
	meterWidth int
	redraw     bool
	styles     Styles

	mu       sync.Mutex
	status   string
	lineRole s2s.Role
	line     strings.Builder
}

// New creates a console for ctl. Styles are resolved against out so colour
// output is only produced for terminals.
func New(ctl Controller, in io.Reader, out io.Writer, opts ...Option) *Console {
	c := &Console{
		ctl:        ctl,
		in:         in,
		out:        out,
		theme:      DefaultTheme,
		meterWidth: DefaultMeterWidth,
	}
	for _, o := range opts {
		o(c)
	}
	c.styles = NewStyles(c.theme, lipgloss.NewRenderer(out))
	return c
}

// Run shows the status view and processes commands until ctx is done, the
// input ends or the user quits. On return the session is disconnected.
func (c *Console) Run(ctx context.Context) error {
	c.ctl.OnChange(c.show)
	c.ctl.OnTranscript(c.transcript)

	c.println(c.styles.Help.Render(helpText))
	c.show(c.ctl.Snapshot())

	ctx, cancel := context.WithCancel(ctx)
	lines := make(chan string)
	go c.readLines(ctx, lines)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		c.ctl.Disconnect()
		wg.Wait()
		// A Connect that had not started before the first Disconnect.
		c.ctl.Disconnect()
		c.ctl.OnChange(nil)
		c.ctl.OnTranscript(nil)
		c.flushTranscript()
		c.finish()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(cmd)) {
			case "":
				c.toggle(ctx, &wg)
			case "q", "quit", "exit":
				return nil
			default:
				c.println(c.styles.Help.Render(helpText))
			}
		}
	}
}

func (c *Console) readLines(ctx context.Context, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// toggle connects when idle and disconnects otherwise. Connect runs in the
// background so Enter during the handshake cancels it.
func (c *Console) toggle(ctx context.Context, wg *sync.WaitGroup) {
	if c.ctl.Snapshot().Status != session.StatusIdle {
		c.ctl.Disconnect()
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.ctl.Connect(ctx)
		switch {
		case err == nil,
			errors.Is(err, session.ErrConnectCancelled),
			errors.Is(err, session.ErrAlreadyConnected),
			errors.Is(err, context.Canceled):
		default:
			slog.Debug("console: connect failed", "err", err)
		}
	}()
}

// show redraws the status line when its rendering changed.
func (c *Console) show(snap session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status(c.styles, snap, c.meterWidth)
	if s == c.status {
		return
	}
	c.status = s
	if c.redraw {
		io.WriteString(c.out, clearLine+s)
		return
	}
	io.WriteString(c.out, s+"\n")
}

// transcript collects fragments into lines; a line is printed when the
// speaker changes or the fragment ends a sentence.
func (c *Console) transcript(tr s2s.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.line.Len() > 0 && tr.Role != c.lineRole {
		c.emitLineLocked()
	}
	c.lineRole = tr.Role
	c.line.WriteString(tr.Text)
	if text := strings.TrimSpace(c.line.String()); strings.HasSuffix(text, ".") ||
		strings.HasSuffix(text, "?") || strings.HasSuffix(text, "!") {
		c.emitLineLocked()
	}
}

func (c *Console) flushTranscript() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLineLocked()
}

func (c *Console) emitLineLocked() {
	text := strings.TrimSpace(c.line.String())
	c.line.Reset()
	if text == "" {
		return
	}
	c.printlnLocked(Transcript(c.styles, c.lineRole, text))
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printlnLocked(s)
}

// printlnLocked prints s above the status line.
func (c *Console) printlnLocked(s string) {
	if !c.redraw {
		io.WriteString(c.out, s+"\n")
		return
	}
	io.WriteString(c.out, clearLine+s+"\n"+c.status)
}

// finish leaves the cursor on a fresh line.
func (c *Console) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redraw {
		io.WriteString(c.out, "\n")
	}
}
