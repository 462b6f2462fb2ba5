// Package onebot connects the relay to a OneBot v11 implementation (such
// as go-cqhttp) over its forward WebSocket API.
package onebot

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/config"
)

const writeTimeout = 10 * time.Second

// ErrNotConnected is returned when a reply is sent while no connection is up.
var ErrNotConnected = errors.New("onebot connection is not established")

// Deliverer accepts inbound messages.
type Deliverer interface {
	Deliver(userID, nickname, text string, reply backend.Replier) error
}

// Client is a OneBot WebSocket client. It reconnects until its context is
// cancelled.
type Client struct {
	cfg     *config.Config
	relay   Deliverer
	dialer  *websocket.Dialer
	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex
}

// New creates a client that forwards messages to relay.
func New(cfg *config.Config, relay Deliverer) *Client {
	return &Client{
		cfg:    cfg,
		relay:  relay,
		dialer: websocket.DefaultDialer,
	}
}

// Run connects and serves events, redialing after the configured delay
// whenever the connection drops. It returns when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	logger := log.With().Str("component", "onebot").Str("url", c.cfg.OneBot.URL).Logger()

	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			logger.Info().Msg("onebot client stopped")
			return nil
		}
		logger.Warn().Err(err).Dur("retry_in", c.cfg.OneBot.ReconnectDelay).Msg("onebot connection ended")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.OneBot.ReconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	header := http.Header{}
	if token := c.cfg.OneBot.AccessToken; token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.OneBot.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrap(err, "failed to dial onebot")
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	log.Info().Str("component", "onebot").Msg("onebot connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "onebot read failed")
		}
		c.dispatch(ctx, data)
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn().Err(err).Str("component", "onebot").Msg("ignoring undecodable frame")
		return
	}

	switch ev.PostType {
	case "message":
		c.handleMessage(&ev)
	case "request":
		if ev.RequestType == "friend" {
			c.handleFriendRequest(ctx, &ev)
		}
	case "":
		var resp actionResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.Echo != "" && resp.Status != "ok" {
			log.Warn().Str("component", "onebot").Str("echo", resp.Echo).Int("retcode", resp.RetCode).
				Str("message", resp.Message).Msg("onebot action failed")
		}
	}
}

func (c *Client) handleMessage(ev *Event) {
	userID := strconv.FormatInt(ev.UserID, 10)
	logger := log.With().Str("component", "onebot").Str("user_id", userID).Logger()

	if c.cfg.IsBlocked(userID) {
		logger.Debug().Msg("dropping message from blocked user")
		return
	}

	text, mentioned := ev.content()

	var reply backend.Replier
	switch ev.MessageType {
	case "private":
		if !c.cfg.MayChatPrivately(userID) {
			logger.Debug().Msg("dropping private message from unlisted user")
			return
		}
		reply = c.privateReplier(ev.UserID)
	case "group":
		if !mentioned {
			return
		}
		reply = c.groupReplier(ev.GroupID, ev.UserID)
	default:
		return
	}

	if err := c.relay.Deliver(userID, ev.nickname(), text, reply); err != nil {
		logger.Error().Err(err).Msg("failed to deliver message")
	}
}

func (c *Client) handleFriendRequest(ctx context.Context, ev *Event) {
	userID := strconv.FormatInt(ev.UserID, 10)
	approve := c.cfg.MayChatPrivately(userID)

	err := c.call(ctx, "set_friend_add_request", map[string]any{"flag": ev.Flag, "approve": approve})
	if err != nil {
		log.Warn().Err(err).Str("component", "onebot").Str("user_id", userID).Msg("failed to answer friend request")
		return
	}
	log.Info().Str("component", "onebot").Str("user_id", userID).Bool("approved", approve).Msg("answered friend request")
}

func (c *Client) privateReplier(userID int64) backend.Replier {
	return func(ctx context.Context, text string, _ bool) error {
		return c.call(ctx, "send_private_msg", map[string]any{
			"user_id": userID,
			"message": cqEscape.Replace(text),
		})
	}
}

func (c *Client) groupReplier(groupID, userID int64) backend.Replier {
	return func(ctx context.Context, text string, mention bool) error {
		msg := cqEscape.Replace(text)
		if mention {
			msg = "[CQ:at,qq=" + strconv.FormatInt(userID, 10) + "]\n" + msg
		}
		return c.call(ctx, "send_group_msg", map[string]any{
			"group_id": groupID,
			"message":  msg,
		})
	}
}

// call sends an action on the current connection. Responses are matched
// only for logging.
func (c *Client) call(ctx context.Context, name string, params any) error {
	data, err := json.Marshal(action{Action: name, Params: params, Echo: uuid.NewString()})
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", name)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "failed to send %s", name)
	}
	return nil
}
