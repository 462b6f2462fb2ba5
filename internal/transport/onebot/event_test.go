package onebot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventContent(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		text      string
		mentioned bool
	}{
		{name: "plain", message: `"hello"`, text: "hello"},
		{name: "mention", message: `"[CQ:at,qq=100] hi"`, text: "hi", mentioned: true},
		{name: "mention with name", message: `"[CQ:at,qq=100,name=bot]hi"`, text: "hi", mentioned: true},
		{name: "other mention", message: `"[CQ:at,qq=1000] hi"`, text: "hi"},
		{name: "image dropped", message: `"look [CQ:image,file=a.png]"`, text: "look"},
		{name: "escaped", message: `"a &#91;b&#93; &amp; c&#44; d"`, text: "a [b] & c, d"},
		{
			name:      "array",
			message:   `[{"type":"at","data":{"qq":"100"}},{"type":"text","data":{"text":" hi "}},{"type":"face","data":{"id":"1"}}]`,
			text:      "hi",
			mentioned: true,
		},
		{name: "empty", message: ``, text: ""},
		{name: "garbage", message: `42`, text: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Event{SelfID: 100, Message: json.RawMessage(tt.message)}
			text, mentioned := ev.content()
			assert.Equal(t, tt.text, text)
			assert.Equal(t, tt.mentioned, mentioned)
		})
	}
}

func TestEventNickname(t *testing.T) {
	ev := Event{Sender: Sender{Nickname: "alice"}}
	assert.Equal(t, "alice", ev.nickname())
	ev.Sender.Card = "Alice in group"
	assert.Equal(t, "Alice in group", ev.nickname())
}
