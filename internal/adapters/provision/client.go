// Package provision fetches session credentials over HTTP.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

type Client struct {
	URL  string
	HTTP *http.Client
}

func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

type request struct {
	RoomName string `json:"room_name"`
	Role     string `json:"role"`
}

type response struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	RoomName  string `json:"room_name"`
}

// Provision asks the service for a session. All of session_id, token and
// room_name must be present.
func (c *Client) Provision(ctx context.Context, room domain.RoomName, role domain.Role) (core.Credentials, error) {
	body, err := json.Marshal(request{RoomName: string(room), Role: string(role)})
	if err != nil {
		return core.Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return core.Credentials{}, core.NewError(core.KindProvisioning, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return core.Credentials{}, core.NewError(core.KindProvisioning, "request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return core.Credentials{}, core.NewError(core.KindProvisioning, "request",
			fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}

	var r response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&r); err != nil {
		return core.Credentials{}, core.NewError(core.KindProvisioning, "decode", err)
	}
	var missing []error
	if r.SessionID == "" {
		missing = append(missing, errors.New("missing session_id"))
	}
	if r.Token == "" {
		missing = append(missing, errors.New("missing token"))
	}
	if r.RoomName == "" {
		missing = append(missing, errors.New("missing room_name"))
	}
	if len(missing) > 0 {
		return core.Credentials{}, core.NewError(core.KindProvisioning, "decode", errors.Join(missing...))
	}

	roomName, err := domain.NewRoomName(r.RoomName)
	if err != nil {
		return core.Credentials{}, core.NewError(core.KindProvisioning, "decode", err)
	}
	log.Info().
		Str("module", "provision").
		Str("session_id", r.SessionID).
		Str("room", r.RoomName).
		Msg("credentials issued")
	return core.Credentials{SessionID: r.SessionID, Token: r.Token, RoomName: roomName, Role: role}, nil
}
