package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/livevoice/internal/voice"
)

// errQuit ends Run when the user types q.
var errQuit = errors.New("app: quit")

const consoleHelp = "press Enter to start or stop talking, q to quit"

// console is the line-oriented terminal front end: Enter toggles the
// session, q quits, and state changes and transcripts are printed.
type console struct {
	in io.Reader

	mu   sync.Mutex
	out  io.Writer
	last voice.Transcript
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: in, out: out}
}

// run reads commands until ctx ends, the input is exhausted or the user
// quits. The reader goroutine may outlive run when in blocks.
func (c *console) run(ctx context.Context, a *App) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s\n", consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			switch strings.ToLower(line) {
			case "":
				if err := a.Toggle(ctx); err != nil && !errors.Is(err, voice.ErrStopped) {
					c.printf("error: %v\n", err)
				}
			case "q", "quit", "exit":
				return errQuit
			case "s", "status":
				st := a.ctrl.Status()
				c.printf("state: %s session: %s pending playback: %d\n", st.StateName, st.SessionID, st.PendingPlayback)
			default:
				c.printf("%s\n", consoleHelp)
			}
		}
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) state(s voice.State) {
	switch s {
	case voice.StateConnecting:
		c.printf("connecting...\n")
	case voice.StateOpen:
		c.printf("listening (press Enter to stop)\n")
	case voice.StateClosed:
		c.printf("session ended\n")
	}
}

// transcript prints only what is new since the previous update.
func (c *console) transcript(t voice.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == (voice.Transcript{}) {
		if c.last != (voice.Transcript{}) {
			fmt.Fprintln(c.out)
		}
		c.last = t
		return
	}
	if d, ok := strings.CutPrefix(t.User, c.last.User); ok && d != "" {
		fmt.Fprintf(c.out, "you: %s\n", d)
	}
	if d, ok := strings.CutPrefix(t.Model, c.last.Model); ok && d != "" {
		fmt.Fprintf(c.out, "model: %s\n", d)
	}
	c.last = t
}

func (c *console) error(err error) {
	c.printf("session failed: %v\n", err)
}
