// Package relay is the message-handling entry point. Every delivered
// message becomes a task on its user's serialized queue; the task resolves
// the session, applies the usage quota, runs commands and otherwise asks
// the session's backend.
package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/command"
	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/queue"
	"github.com/Veraticus/chatrelay/internal/session"
)

// Enqueuer runs tasks in order per user.
type Enqueuer interface {
	Enqueue(userID string, task queue.Task) error
}

// Relay connects transports to sessions and backends.
type Relay struct {
	cfg      *config.Config
	registry *session.Registry
	queue    Enqueuer
	router   *command.Router
	factory  session.Factory
}

// New creates a relay. factory builds the backend of new sessions.
func New(
	cfg *config.Config,
	registry *session.Registry,
	q Enqueuer,
	router *command.Router,
	factory session.Factory,
) *Relay {
	return &Relay{
		cfg:      cfg,
		registry: registry,
		queue:    q,
		router:   router,
		factory:  factory,
	}
}

// Deliver queues text from userID. Replies, including failures, go through
// reply. The returned error only reports that the message was not queued.
func (r *Relay) Deliver(userID, nickname, text string, reply backend.Replier) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	err := r.queue.Enqueue(userID, func(ctx context.Context) error {
		return r.handle(ctx, userID, nickname, text, reply)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to queue message from %s", userID)
	}
	return nil
}

// handle runs on the user's serialized queue. It returns an error only
// when a reply could not be delivered.
func (r *Relay) handle(ctx context.Context, userID, nickname, text string, reply backend.Replier) error {
	logger := log.With().Str("component", "relay").Str("user_id", userID).Logger()

	sess, err := r.registry.GetOrCreate(ctx, userID, r.factory)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create session")
		return r.send(ctx, reply, fmt.Sprintf("failed to start a chat session: %v", err), true)
	}
	sess.SetNickname(nickname)

	privileged := r.cfg.IsPrivileged(userID)
	if !privileged && r.overQuota(sess) {
		logger.Info().Str("nickname", nickname).Msg("rejected by usage quota")
		return r.send(ctx, reply, fmt.Sprintf("(you are not on the allow list: at most %d requests every %s)",
			r.cfg.Usage.LimitCount, r.cfg.Usage.LimitWindow), true)
	}

	handled, err := r.router.Handle(ctx, sess, privileged, text, reply)
	if handled {
		return err
	}

	return r.ask(ctx, logger, sess, privileged, text, reply)
}

// overQuota reports whether the session used up its window.
func (r *Relay) overQuota(sess *session.Session) bool {
	limit := r.cfg.Usage
	if limit.LimitWindow <= 0 {
		return false
	}
	return sess.Usage().CountInLast(limit.LimitWindow) >= limit.LimitCount
}

func (r *Relay) ask(
	ctx context.Context,
	logger zerolog.Logger,
	sess *session.Session,
	privileged bool,
	text string,
	reply backend.Replier,
) error {
	b := sess.Backend()
	settings := sess.Settings()
	logger = logger.With().Str("backend", b.Kind().String()).Logger()
	logger.Debug().Str("nickname", sess.Nickname()).Int("text_length", len(text)).Msg("asking backend")

	answer, err := b.Ask(ctx, backend.Request{
		UserID:      sess.UserID(),
		Nickname:    sess.Nickname(),
		Text:        text,
		Persona:     settings.Persona,
		Temperature: settings.Temperature,
		Privileged:  privileged,
	})
	if err != nil {
		return r.send(ctx, reply, r.describe(logger, err), true)
	}

	sess.Usage().Record()

	if answer.Preface != "" {
		if err := r.send(ctx, reply, answer.Preface, false); err != nil {
			return err
		}
	}
	if err := r.send(ctx, reply, answer.Text, true); err != nil {
		return err
	}
	for _, note := range answer.Notes {
		if err := r.send(ctx, reply, note, false); err != nil {
			return err
		}
	}

	logger.Debug().Bool("truncated", answer.Truncated).Msg("answered")
	return nil
}

// describe turns a backend failure into the text shown to the user.
func (r *Relay) describe(logger zerolog.Logger, err error) string {
	switch backend.Classify(err) {
	case backend.CategoryContextTooLarge:
		logger.Warn().Err(err).Msg("conversation exceeds the model context")
		return "the conversation is too long for the model, send #reset to start over\n!> " + err.Error()
	case backend.CategoryTransport:
		logger.Error().Err(err).Msg("backend transport failure")
		return "something went wrong while contacting the chat service, please try again or send #reset\n!> " + err.Error()
	default:
		logger.Warn().Err(err).Msg("backend reported a failure")
		return "> " + err.Error()
	}
}

func (r *Relay) send(ctx context.Context, reply backend.Replier, text string, mention bool) error {
	if err := reply(ctx, text, mention); err != nil {
		return errors.Wrap(err, "failed to send reply")
	}
	return nil
}
