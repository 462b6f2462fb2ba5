package onebot

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Event is an inbound OneBot post. Only the fields the relay needs are
// decoded.
type Event struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type,omitempty"`
	RequestType string          `json:"request_type,omitempty"`
	SelfID      int64           `json:"self_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Flag        string          `json:"flag,omitempty"`
	Sender      Sender          `json:"sender"`
}

// Sender describes the author of a message event.
type Sender struct {
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
}

// segment is one element of an array-format message.
type segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// actionResponse answers an action sent by the client.
type actionResponse struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Echo    string `json:"echo"`
	Message string `json:"message,omitempty"`
}

// action is an outbound API call.
type action struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

var cqCode = regexp.MustCompile(`\[CQ:[^\]]*\]`)

var cqUnescape = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")

var cqEscape = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")

// content returns the plain text of the message and whether it @-mentions
// the bot. Both the string (CQ code) and array message formats are read.
func (e *Event) content() (string, bool) {
	if len(e.Message) == 0 {
		return "", false
	}

	var raw string
	if err := json.Unmarshal(e.Message, &raw); err == nil {
		return parseCQ(raw, e.SelfID)
	}

	var segments []segment
	if err := json.Unmarshal(e.Message, &segments); err != nil {
		return "", false
	}

	self := strconv.FormatInt(e.SelfID, 10)
	var (
		sb        strings.Builder
		mentioned bool
	)
	for _, seg := range segments {
		switch seg.Type {
		case "text":
			sb.WriteString(seg.Data["text"])
		case "at":
			if seg.Data["qq"] == self {
				mentioned = true
			}
		}
	}
	return strings.TrimSpace(sb.String()), mentioned
}

func parseCQ(raw string, selfID int64) (string, bool) {
	mention := "[CQ:at,qq=" + strconv.FormatInt(selfID, 10)
	mentioned := false
	for _, code := range cqCode.FindAllString(raw, -1) {
		if code == mention+"]" || strings.HasPrefix(code, mention+",") {
			mentioned = true
		}
	}
	text := cqUnescape.Replace(cqCode.ReplaceAllString(raw, ""))
	return strings.TrimSpace(text), mentioned
}

// nickname prefers the group card over the account nickname.
func (e *Event) nickname() string {
	if e.Sender.Card != "" {
		return e.Sender.Card
	}
	return e.Sender.Nickname
}
