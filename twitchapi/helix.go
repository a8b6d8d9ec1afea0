package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/chat-relay/chat"
)

// GetUserID resolves a login name to its user ID using a user token.
func (c *Client) GetUserID(ctx context.Context, token, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+"/users", nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return "", newAPIError("get users", resp)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// SendResult is data[0] of a chat/messages response.
type SendResult struct {
	MessageID  string `json:"message_id"`
	IsSent     bool   `json:"is_sent"`
	DropReason *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"drop_reason"`
}

// SendChatMessage posts a chat message as sender into broadcaster's chat.
// A message Twitch accepted but did not deliver (is_sent=false) is returned
// as a chat.KindPermanentReject error.
func (c *Client) SendChatMessage(ctx context.Context, token, broadcasterID, senderID, message string) (*SendResult, error) {
	payload, err := json.Marshal(map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, helixBase+"/chat/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError("send chat message", resp)
	}
	var body struct {
		Data []SendResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("empty send response")
	}
	res := &body.Data[0]
	if !res.IsSent {
		reason := "unknown"
		if res.DropReason != nil {
			reason = res.DropReason.Code + ": " + res.DropReason.Message
		}
		return res, chat.E(chat.KindPermanentReject, "helix.send", fmt.Errorf("message dropped by twitch: %s", reason))
	}
	return res, nil
}

// HelixSender delivers chat lines through POST /helix/chat/messages.
type HelixSender struct {
	Client        *Client
	BroadcasterID string
	SenderID      string
}

// Send implements the dispatcher's sender contract.
func (s *HelixSender) Send(ctx context.Context, token, text string) error {
	_, err := s.Client.SendChatMessage(ctx, token, s.BroadcasterID, s.SenderID, text)
	return err
}

// Name identifies the transport in logs and spans.
func (s *HelixSender) Name() string { return "helix" }
