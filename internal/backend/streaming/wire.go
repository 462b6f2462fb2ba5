package streaming

// allowedMessageTypes lists the message types the client accepts.
var allowedMessageTypes = []string{
	"ActionRequest",
	"Chat",
	"Context",
	"InternalSearchQuery",
	"InternalSearchResult",
	"Disengaged",
	"InternalLoaderMessage",
	"Progress",
	"RenderCardRequest",
	"AdsQuery",
	"SemanticSerp",
	"GenerateContentQuery",
	"SearchQuery",
}

// chatRequest is the single argument of a "chat" invocation.
type chatRequest struct {
	Source                string      `json:"source"`
	OptionSets            []string    `json:"optionSets"`
	AllowedMessageTypes   []string    `json:"allowedMessageTypes"`
	SliceIDs              []string    `json:"sliceIds"`
	TraceID               string      `json:"traceId"`
	IsStartOfSession      bool        `json:"isStartOfSession"`
	Message               chatMessage `json:"message"`
	ConversationSignature string      `json:"conversationSignature"`
	Participant           participant `json:"participant"`
	ConversationID        string      `json:"conversationId"`
}

type chatMessage struct {
	Locale      string `json:"locale"`
	Market      string `json:"market"`
	Region      string `json:"region"`
	Location    string `json:"location"`
	Author      string `json:"author"`
	InputMethod string `json:"inputMethod"`
	MessageType string `json:"messageType"`
	Text        string `json:"text"`
}

type participant struct {
	ID string `json:"id"`
}

// updateResponse is the argument of an "update" server invocation.
type updateResponse struct {
	Throttling *throttling  `json:"throttling,omitempty"`
	Messages   []botMessage `json:"messages,omitempty"`
}

type throttling struct {
	MaxNumUserMessagesInConversation int `json:"maxNumUserMessagesInConversation"`
	NumUserMessagesInConversation    int `json:"numUserMessagesInConversation"`
}

type botMessage struct {
	Text               string              `json:"text,omitempty"`
	Author             string              `json:"author,omitempty"`
	MessageType        string              `json:"messageType,omitempty"`
	SpokenText         string              `json:"spokenText,omitempty"`
	SourceAttributions []sourceAttribution `json:"sourceAttributions,omitempty"`
	SuggestedResponses []suggestedResponse `json:"suggestedResponses,omitempty"`
}

type sourceAttribution struct {
	ProviderDisplayName string `json:"providerDisplayName,omitempty"`
	SeeMoreURL          string `json:"seeMoreUrl"`
}

type suggestedResponse struct {
	Text string `json:"text"`
}

// createResponse is the body returned by the conversation create endpoint.
type createResponse struct {
	ConversationID        string `json:"conversationId"`
	ClientID              string `json:"clientId"`
	ConversationSignature string `json:"conversationSignature"`
	Result                struct {
		Value   string `json:"value"`
		Message string `json:"message"`
	} `json:"result"`
}
