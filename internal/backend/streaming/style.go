package streaming

import (
	"strings"

	"github.com/pkg/errors"
)

// Style selects the tone of the streaming service's answers.
type Style int

// Answer styles.
const (
	StyleCreative Style = iota
	StyleBalanced
	StylePrecise
)

var styleNames = map[string]Style{
	"creative":    StyleCreative,
	"imaginative": StyleCreative,
	"创造":          StyleCreative,
	"balanced":    StyleBalanced,
	"平衡":          StyleBalanced,
	"precise":     StylePrecise,
	"精准":          StylePrecise,
}

// baseOptionSets are sent with every style.
var baseOptionSets = []string{
	"nlu_direct_response_filter",
	"deepleo",
	"disable_emoji_spoken_text",
	"responsible_ai_policy_235",
	"enablemm",
}

// ParseStyle resolves a style name. English names are case-insensitive.
func ParseStyle(name string) (Style, error) {
	style, ok := styleNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, errors.Errorf("unknown style %q", name)
	}
	return style, nil
}

// String returns the canonical style name.
func (s Style) String() string {
	switch s {
	case StyleCreative:
		return "creative"
	case StyleBalanced:
		return "balanced"
	case StylePrecise:
		return "precise"
	default:
		return "unknown"
	}
}

// OptionSets returns the option set identifiers that request this style.
func (s Style) OptionSets() []string {
	opts := append([]string(nil), baseOptionSets...)
	switch s {
	case StyleBalanced:
		return append(opts, "galileo", "dv3sugg")
	case StylePrecise:
		return append(opts, "h3precise", "dv3sugg", "clgalileo", "gencontentv3")
	default:
		return append(opts, "h3imaginative", "dv3sugg", "clgalileo", "gencontentv3")
	}
}
