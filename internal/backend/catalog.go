package backend

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Veraticus/chatrelay/internal/config"
)

// Constructor builds a backend from configuration.
type Constructor func(cfg *config.Config) (Backend, error)

// Checker validates that configuration satisfies a backend's requirements.
// A non-nil error is the human-readable reason the backend is disabled.
type Checker func(cfg *config.Config) error

// Registration describes one backend kind.
type Registration struct {
	Kind  Kind
	New   Constructor
	Check Checker
}

// Catalog constructs backends by kind. Each kind's Checker runs once, when
// the catalog is built; kinds that fail it can never be selected.
type Catalog struct {
	cfg         *config.Config
	regs        map[Kind]Registration
	disabled    map[Kind]error
	order       []Kind
	defaultKind Kind
}

// NewCatalog registers the given backends and runs their config checks.
func NewCatalog(cfg *config.Config, regs ...Registration) *Catalog {
	c := &Catalog{
		cfg:      cfg,
		regs:     make(map[Kind]Registration, len(regs)),
		disabled: make(map[Kind]error),
	}

	for _, reg := range regs {
		c.regs[reg.Kind] = reg
		c.order = append(c.order, reg.Kind)

		if reg.Check == nil {
			continue
		}
		if err := reg.Check(cfg); err != nil {
			c.disabled[reg.Kind] = err
			log.Warn().Err(err).Str("component", "backend").Str("backend", reg.Kind.String()).
				Msg("backend disabled by config check")
		}
	}

	if kind, err := ParseKind(cfg.DefaultBackend); err == nil {
		c.defaultKind = kind
	}
	return c
}

// Default returns the configured default kind.
func (c *Catalog) Default() Kind {
	return c.defaultKind
}

// Preferred returns the default kind if it is enabled, otherwise the first
// enabled kind.
func (c *Catalog) Preferred() (Kind, error) {
	if c.Available(c.defaultKind) == nil {
		return c.defaultKind, nil
	}
	enabled := c.Enabled()
	if len(enabled) == 0 {
		return "", errors.Wrap(ErrUnavailable, "no chat backend passed its config check")
	}
	log.Warn().Str("component", "backend").Str("default", c.defaultKind.String()).
		Str("backend", enabled[0].String()).Msg("default backend disabled, using another")
	return enabled[0], nil
}

// Available returns nil if kind can be constructed, or the reason it cannot.
func (c *Catalog) Available(kind Kind) error {
	if _, ok := c.regs[kind]; !ok {
		return errors.Wrapf(ErrUnavailable, "%s is not registered", kind)
	}
	if reason, ok := c.disabled[kind]; ok {
		return errors.Wrapf(ErrUnavailable, "%s: %v", kind, reason)
	}
	return nil
}

// Enabled lists the kinds that passed their checks, in registration order.
func (c *Catalog) Enabled() []Kind {
	kinds := make([]Kind, 0, len(c.order))
	for _, kind := range c.order {
		if _, off := c.disabled[kind]; !off {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Checks returns the check outcome of every registered kind.
func (c *Catalog) Checks() map[Kind]error {
	out := make(map[Kind]error, len(c.order))
	for _, kind := range c.order {
		out[kind] = c.disabled[kind]
	}
	return out
}

// Open constructs and starts a backend of the given kind. A backend whose
// Start fails is closed before the error is returned.
func (c *Catalog) Open(ctx context.Context, kind Kind) (Backend, error) {
	if err := c.Available(kind); err != nil {
		return nil, err
	}

	b, err := c.regs[kind].New(c.cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s backend", kind)
	}

	if err := b.Start(ctx); err != nil {
		if closeErr := b.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("component", "backend").Str("backend", kind.String()).
				Msg("failed to close backend after start failure")
		}
		return nil, errors.Wrapf(err, "failed to start %s backend", kind)
	}
	return b, nil
}
