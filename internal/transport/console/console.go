// Package console is a line-oriented transport for local use: every input
// line is a message from one fixed user and replies are printed.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/Veraticus/chatrelay/internal/backend"
)

// DefaultUserID identifies the console user.
const DefaultUserID = "console"

// Deliverer accepts inbound messages.
type Deliverer interface {
	Deliver(userID, nickname, text string, reply backend.Replier) error
}

// Console reads messages from in and writes replies to out.
type Console struct {
	in     io.Reader
	out    io.Writer
	relay  Deliverer
	userID string
	mu     sync.Mutex
}

// Option configures a Console.
type Option func(*Console)

// WithUserID sets the user the console speaks as.
func WithUserID(userID string) Option {
	return func(c *Console) {
		c.userID = userID
	}
}

// New creates a console transport.
func New(in io.Reader, out io.Writer, relay Deliverer, opts ...Option) *Console {
	c := &Console{
		in:     in,
		out:    out,
		relay:  relay,
		userID: DefaultUserID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run delivers lines until in is exhausted or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return errors.Wrap(err, "failed to read console input")
				default:
					return nil
				}
			}
			if err := c.relay.Deliver(c.userID, c.userID, line, c.reply); err != nil {
				return err
			}
		}
	}
}

func (c *Console) reply(_ context.Context, text string, mention bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := "bot> "
	if mention {
		prefix = "bot> @" + c.userID + " "
	}
	_, err := fmt.Fprintln(c.out, prefix+text)
	return err
}
