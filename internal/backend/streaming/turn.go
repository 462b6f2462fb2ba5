package streaming

import (
	"fmt"
	"strings"
)

// placeholderText is the interim text shown while answers are generated.
const placeholderText = "Generating answers for you..."

// turn folds the update events of one exchange into its outcome.
type turn struct {
	// preface is the first spoken text, if it came before any typed text.
	preface string
	// spoken is set once the preface can no longer change.
	spoken bool
	// terminal is the latest bot message.
	terminal *botMessage
	round    int
	maxRound int
	// throttled is set when any update carried throttling data.
	throttled bool
}

func (t *turn) observe(update updateResponse) {
	if th := update.Throttling; th != nil {
		t.round = th.NumUserMessagesInConversation
		t.maxRound = th.MaxNumUserMessagesInConversation
		t.throttled = true
	}
	if len(update.Messages) == 0 {
		return
	}

	msg := update.Messages[0]
	t.terminal = &msg

	if t.spoken {
		return
	}
	if strings.TrimSpace(msg.SpokenText) != "" {
		t.preface = msg.SpokenText
		t.spoken = true
		return
	}
	if text := strings.TrimSpace(msg.Text); text != "" && text != placeholderText {
		t.spoken = true
	}
}

// closedRemotely reports whether the service ended the conversation.
func (t *turn) closedRemotely() bool {
	return t.terminal != nil && len(t.terminal.SuggestedResponses) == 0
}

// formatReply renders the terminal message with its suggestions, numbered
// sources and the round counter.
func formatReply(msg *botMessage, round, maxRound int) string {
	if strings.TrimSpace(msg.Text) == "" {
		return "> no answer was provided"
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(msg.Text, "\n"))
	sb.WriteString("\n")

	if len(msg.SuggestedResponses) > 0 {
		sb.WriteString("-----\n")
		for _, s := range msg.SuggestedResponses {
			sb.WriteString(s.Text)
			sb.WriteString("\n")
		}
	}

	out := sb.String()
	if len(msg.SourceAttributions) > 0 {
		out = strings.NewReplacer("[^", "[", "^]", "]").Replace(out)

		sb.Reset()
		sb.WriteString(out)
		sb.WriteString("-----\n")
		for i, src := range msg.SourceAttributions {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, src.SeeMoreURL)
		}
		out = sb.String()
	}

	out += fmt.Sprintf("-----\nround (%d/%d)", round, maxRound)
	return out
}
