package streaming

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Veraticus/chatrelay/internal/backend"
)

// maxCreateBody bounds the conversation create response.
const maxCreateBody = 1 << 20

// Handle identifies a conversation created by the service.
type Handle struct {
	ConversationID string
	ClientID       string
	Signature      string
}

// createConversation asks the service for a new conversation handle.
func (b *Backend) createConversation(ctx context.Context) (*Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.CreateURL, nil)
	if err != nil {
		return nil, handshakeError(err)
	}
	req.Header.Set("Cookie", "_U="+b.cfg.Cookie)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, handshakeError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCreateBody))
	if err != nil {
		return nil, handshakeError(err)
	}

	var created createResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, handshakeError(errors.Wrapf(err, "unparsable response (status %d)", resp.StatusCode))
	}
	if created.Result.Value != "Success" {
		return nil, handshakeError(errors.Errorf("request refused: %s %s", created.Result.Value, created.Result.Message))
	}
	if created.ConversationID == "" || created.ClientID == "" {
		return nil, handshakeError(errors.New("response carried no conversation"))
	}

	return &Handle{
		ConversationID: created.ConversationID,
		ClientID:       created.ClientID,
		Signature:      created.ConversationSignature,
	}, nil
}

func handshakeError(cause error) error {
	return backend.NewStepError(backend.ErrHandshake, cause)
}
