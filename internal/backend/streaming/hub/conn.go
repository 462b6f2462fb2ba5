package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPingInterval is how often the client sends keep-alive pings.
	DefaultPingInterval = 15 * time.Second

	writeTimeout = 10 * time.Second
)

var (
	// ErrClosed is reported by a connection closed from the client side.
	ErrClosed = errors.New("hub connection closed")

	// ErrServerClosed is reported when the server sent a close message.
	ErrServerClosed = errors.New("hub connection closed by server")
)

// Conn is a hub connection. Its reader goroutine routes server messages to
// open streams; writes are serialized.
type Conn struct {
	ws           *websocket.Conn
	streams      map[string]*Stream
	done         chan struct{}
	err          error
	pingInterval time.Duration
	nextID       int
	readerExited bool
	wg           sync.WaitGroup
	writeMu      sync.Mutex
	mu           sync.Mutex
	failOnce     sync.Once
}

// Option configures a connection.
type Option func(*Conn)

// WithPingInterval sets the keep-alive interval. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) {
		c.pingInterval = d
	}
}

// Dial opens a WebSocket to url, performs the JSON protocol handshake and
// starts the reader. The handshake honours ctx's deadline.
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial hub %s", url)
	}

	c := &Conn{
		ws:           ws,
		streams:      make(map[string]*Stream),
		done:         make(chan struct{}),
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.handshake(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()
	if c.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	if err := c.write(handshakeRequest{Protocol: "json", Version: 1}); err != nil {
		return errors.Wrap(err, "failed to send hub handshake")
	}

	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "failed to read hub handshake response")
	}
	records := splitRecords(frame)
	if len(records) == 0 {
		return errors.New("empty hub handshake response")
	}

	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return errors.Wrap(err, "failed to decode hub handshake response")
	}
	if resp.Error != "" {
		return errors.Errorf("hub handshake rejected: %s", resp.Error)
	}

	// Records after the handshake response in the same frame are dropped;
	// no invocation has been sent yet, so none can be addressed to us.
	return nil
}

// write sends one record.
func (c *Conn) write(v any) error {
	data, err := encodeRecord(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// StreamInvocation starts a streaming invocation of target. The stream is
// registered before the request is written, so no reply can be missed.
func (c *Conn) StreamInvocation(ctx context.Context, target string, args ...any) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.readerExited {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	stream := newStream(strconv.Itoa(c.nextID), c)
	c.streams[stream.id] = stream
	c.mu.Unlock()

	msg := outbound{
		Type:         TypeStreamInvocation,
		InvocationID: stream.id,
		Target:       target,
		Arguments:    args,
	}
	if err := c.write(msg); err != nil {
		c.forget(stream.id)
		c.fail(errors.Wrap(err, "failed to write invocation"))
		return nil, errors.Wrap(err, "failed to write invocation")
	}
	return stream, nil
}

// forget stops routing messages to the stream with id.
func (c *Conn) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, id)
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer c.finishAll()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(errors.Wrap(err, "hub read failed"))
			return
		}

		msgs, err := decodeMessages(frame)
		if err != nil {
			c.fail(err)
			return
		}

		for _, msg := range msgs {
			if !c.dispatch(msg) {
				return
			}
		}
	}
}

// dispatch routes one message. It reports false once the connection is done.
func (c *Conn) dispatch(msg Message) bool {
	switch msg.Type {
	case TypeInvocation:
		for _, stream := range c.openStreams() {
			stream.deliver(Event{Target: msg.Target, Arguments: msg.Arguments}, c.done)
		}
	case TypeStreamItem:
		if stream, ok := c.stream(msg.InvocationID); ok {
			stream.deliver(Event{Item: msg.Item}, c.done)
		}
	case TypeCompletion:
		if stream, ok := c.stream(msg.InvocationID); ok {
			c.forget(msg.InvocationID)
			var err error
			if msg.Error != "" {
				err = &InvocationError{Message: msg.Error}
			}
			stream.finish(err)
		}
	case TypePing:
	case TypeClose:
		err := ErrServerClosed
		if msg.Error != "" {
			err = errors.Wrap(ErrServerClosed, msg.Error)
		}
		c.fail(err)
		return false
	default:
		log.Debug().Str("component", "hub").Int("type", int(msg.Type)).Msg("ignoring hub message")
	}

	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Conn) openStreams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, stream := range c.streams {
		streams = append(streams, stream)
	}
	return streams
}

func (c *Conn) stream(id string) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stream, ok := c.streams[id]
	return stream, ok
}

// finishAll ends every open stream with the connection error. It runs on
// the reader goroutine, which is the only sender on stream channels.
func (c *Conn) finishAll() {
	c.mu.Lock()
	c.readerExited = true
	streams := c.streams
	c.streams = make(map[string]*Stream)
	err := c.err
	c.mu.Unlock()

	for _, stream := range streams {
		stream.finish(err)
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(outbound{Type: TypePing}); err != nil {
				c.fail(errors.Wrap(err, "hub ping failed"))
				return
			}
		}
	}
}

// fail records the first error, marks the connection done and closes the
// socket, which makes the reader exit.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		close(c.done)
		_ = c.ws.Close()
		log.Debug().Err(err).Str("component", "hub").Msg("hub connection finished")
	})
}

// Done is closed when the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection is no longer usable.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the reason the connection finished, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for its goroutines to exit.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	c.wg.Wait()
	return nil
}
