package completion

import (
	"math"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Turn is one remembered question and answer.
type Turn struct {
	Question string
	Answer   string
	// Role is the role the remote service reported for the answer.
	Role string
}

// clockLayout formats the local time directive.
const clockLayout = "2006-01-02 15:04:05 Monday"

// transcript assembles the messages for one request: persona, fixed
// directives, optional clock, remembered turns and finally the question.
type transcript struct {
	persona    string
	directives []string
	clock      time.Time
	turns      []Turn
}

func (t transcript) messages(question string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(t.directives)+2*len(t.turns)+3)

	if t.persona != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: t.persona})
	}
	for _, directive := range t.directives {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: directive})
	}
	if !t.clock.IsZero() {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "The current local time is " + t.clock.Format(clockLayout) + ".",
		})
	}

	for _, turn := range t.turns {
		role := turn.Role
		if role == "" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.Question},
			openai.ChatCompletionMessage{Role: role, Content: turn.Answer},
		)
	}

	if question != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question})
	}
	return msgs
}

// wireTemperature converts a session temperature for the request. The
// client omits a zero temperature, so zero is sent as the smallest
// positive value instead.
func wireTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}
