package command

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/session"
)

// Built-in command names.
const (
	Help        = "help"
	Reset       = "reset"
	Temperature = "temperature"
	Role        = "role"
	CustomRole  = "custom-role"
	History     = "history"
	Chat        = "chat"
)

// BackendSwitcher replaces a session's backend.
type BackendSwitcher interface {
	ReplaceBackend(ctx context.Context, userID string, next backend.Backend) error
}

// Router executes commands against a session.
type Router struct {
	catalog  *backend.Catalog
	switcher BackendSwitcher
	personas map[string]string
	names    []string
}

// NewRouter creates a router using the persona table from cfg.
func NewRouter(cfg *config.Config, catalog *backend.Catalog, switcher BackendSwitcher) *Router {
	personas := maps.Clone(cfg.Personas)
	if personas == nil {
		personas = make(map[string]string)
	}
	return &Router{
		catalog:  catalog,
		switcher: switcher,
		personas: personas,
		names:    slices.Sorted(maps.Keys(personas)),
	}
}

// Handle executes text if it is a command. It reports whether text was a
// command; the returned error is only non-nil when a reply could not be
// delivered.
func (r *Router) Handle(
	ctx context.Context,
	sess *session.Session,
	privileged bool,
	text string,
	reply backend.Replier,
) (bool, error) {
	cmd, ok := Parse(text)
	if !ok {
		return false, nil
	}

	log.Debug().Str("component", "command").Str("user_id", sess.UserID()).
		Str("command", cmd.Name).Msg("handling command")

	b := sess.Backend()
	say := func(format string, args ...any) error {
		return reply(ctx, fmt.Sprintf("> %s: ", b.Kind())+fmt.Sprintf(format, args...), true)
	}

	var err error
	switch cmd.Name {
	case Help:
		err = reply(ctx, r.helpText(b), true)
	case Reset:
		b.Reset()
		err = say("conversation reset")
	case Temperature:
		err = r.temperature(sess, b, cmd, say)
	case Role:
		err = r.role(sess, b, cmd, say)
	case CustomRole:
		err = r.customRole(sess, b, cmd, say)
	case History:
		err = r.history(sess, b, privileged, say)
	case Chat:
		err = r.chat(ctx, sess, cmd, reply)
	default:
		var handled bool
		handled, err = b.HandleCommand(ctx, cmd, reply)
		if err == nil && !handled {
			err = reply(ctx, fmt.Sprintf("invalid command %q, send #help for the list of commands", cmd.Raw), true)
		}
	}

	if err != nil {
		return true, errors.Wrapf(err, "command %s", cmd.Name)
	}
	return true, nil
}

func (r *Router) helpText(b backend.Backend) string {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	sb.WriteString("----------------------------------\n")
	sb.WriteString("#help: show this message\n")
	sb.WriteString("#reset: forget the current conversation\n")
	sb.WriteString("#temperature:<0~1>: set the reply temperature and reset the conversation\n")
	sb.WriteString("#role:<name>: switch to a persona and reset the conversation\n")
	sb.WriteString("#custom-role:<text>: use your own persona and reset the conversation\n")
	sb.WriteString("#history: show how many turns are remembered\n")
	sb.WriteString("#chat:<backend>: switch chat backend\n")

	if extra := strings.TrimSpace(b.Help()); extra != "" {
		sb.WriteString("----------------------------------\n")
		sb.WriteString(extra)
		sb.WriteString("\n")
	}

	sb.WriteString("----------------------------------\n")
	sb.WriteString("Backends: ")
	enabled := r.catalog.Enabled()
	kinds := make([]string, 0, len(enabled))
	for _, kind := range enabled {
		kinds = append(kinds, kind.String())
	}
	sb.WriteString(strings.Join(kinds, ", "))
	sb.WriteString("\n")

	sb.WriteString("Personas:\n")
	for _, name := range r.names {
		sb.WriteString("\t")
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Router) temperature(
	sess *session.Session,
	b backend.Backend,
	cmd backend.Command,
	say func(string, ...any) error,
) error {
	arg := strings.TrimSpace(cmd.Arg)
	value, err := strconv.ParseFloat(arg, 64)
	if !cmd.HasArg || err != nil || math.IsNaN(value) || value < 0 || value > 1 {
		return say("cannot use (%s) as a temperature between 0 and 1", arg)
	}

	sess.UpdateSettings(func(s *session.Settings) {
		s.Temperature = value
	})
	b.Reset()
	return say("temperature set to %.2f", value)
}

func (r *Router) role(
	sess *session.Session,
	b backend.Backend,
	cmd backend.Command,
	say func(string, ...any) error,
) error {
	name, text, ok := r.lookupPersona(strings.TrimSpace(cmd.Arg))
	if !cmd.HasArg || !ok {
		return say("role not found, send #help for the list of personas")
	}

	sess.UpdateSettings(func(s *session.Settings) {
		s.PersonaName = name
		s.Persona = text
	})
	b.Reset()
	return say("role set to %s", name)
}

// lookupPersona tries an exact match first, then a case-insensitive one.
func (r *Router) lookupPersona(name string) (string, string, bool) {
	if text, ok := r.personas[name]; ok {
		return name, text, true
	}
	for _, candidate := range r.names {
		if strings.EqualFold(candidate, name) {
			return candidate, r.personas[candidate], true
		}
	}
	return "", "", false
}

func (r *Router) customRole(
	sess *session.Session,
	b backend.Backend,
	cmd backend.Command,
	say func(string, ...any) error,
) error {
	if err := config.ValidatePersona(cmd.Arg); !cmd.HasArg || err != nil {
		return say("custom role must not be empty")
	}

	sess.UpdateSettings(func(s *session.Settings) {
		s.PersonaName = ""
		s.Persona = cmd.Arg
	})
	b.Reset()
	return say("custom role set")
}

func (r *Router) history(
	sess *session.Session,
	b backend.Backend,
	privileged bool,
	say func(string, ...any) error,
) error {
	count, limit := b.Turns()
	msg := fmt.Sprintf("history: %d turns", count)
	if limit > 0 && !privileged {
		msg += fmt.Sprintf(" (at most %d are kept)", limit)
	}

	if estimator, ok := b.(backend.TokenEstimator); ok {
		tokens, err := estimator.ContextTokens(sess.Settings().Persona)
		if err != nil {
			log.Warn().Err(err).Str("component", "command").Str("user_id", sess.UserID()).
				Msg("failed to estimate context tokens")
		} else {
			msg += fmt.Sprintf(", about %d tokens of context", tokens)
		}
	}
	return say("%s", msg)
}

func (r *Router) chat(
	ctx context.Context,
	sess *session.Session,
	cmd backend.Command,
	reply backend.Replier,
) error {
	kind, err := backend.ParseKind(cmd.Arg)
	if !cmd.HasArg || err != nil {
		return reply(ctx, fmt.Sprintf("unknown chat backend %q", strings.TrimSpace(cmd.Arg)), true)
	}

	if err := r.catalog.Available(kind); err != nil {
		return reply(ctx, fmt.Sprintf("chat backend %s is not available: %v", kind, err), true)
	}

	if sess.Backend().Kind() == kind {
		return reply(ctx, fmt.Sprintf("already chatting with %s", kind), true)
	}

	next, err := r.catalog.Open(ctx, kind)
	if err != nil {
		log.Error().Err(err).Str("component", "command").Str("user_id", sess.UserID()).
			Str("backend", kind.String()).Msg("failed to open backend")
		return reply(ctx, fmt.Sprintf("failed to switch to %s: %v", kind, err), true)
	}

	if err := r.switcher.ReplaceBackend(ctx, sess.UserID(), next); err != nil {
		if closeErr := next.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("component", "command").Msg("failed to close unused backend")
		}
		return reply(ctx, fmt.Sprintf("failed to switch to %s: %v", kind, err), true)
	}

	return reply(ctx, fmt.Sprintf("switched to %s", kind), true)
}
