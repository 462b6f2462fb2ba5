package completion

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/tiktoken-go/tokenizer"
)

// tokensPerMessage approximates the framing overhead of each chat message.
const tokensPerMessage = 4

var loadCodec = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(tokenizer.Cl100kBase)
})

// countTokens estimates the prompt size of msgs.
func countTokens(msgs []openai.ChatCompletionMessage) (int, error) {
	codec, err := loadCodec()
	if err != nil {
		return 0, errors.Wrap(err, "failed to load tokenizer")
	}

	total := 0
	for _, msg := range msgs {
		ids, _, err := codec.Encode(msg.Content)
		if err != nil {
			return 0, errors.Wrap(err, "failed to encode message")
		}
		total += len(ids) + tokensPerMessage
	}
	return total, nil
}
