// Package ptz talks to the camera's ajaxcom control endpoint.
package ptz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

const (
	DefaultMagnitude = 60
	maxMagnitude     = 100
)

type Client struct {
	URL       string
	Channel   int
	Magnitude int
	HTTP      *http.Client
}

func New(endpoint string, channel, magnitude int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		URL:       endpoint,
		Channel:   channel,
		Magnitude: ClampMagnitude(magnitude),
		HTTP:      &http.Client{Timeout: timeout},
	}
}

// ClampMagnitude keeps v within the 0..100 range the device accepts.
func ClampMagnitude(v int) int {
	switch {
	case v < 0:
		return 0
	case v > maxMagnitude:
		return maxMagnitude
	}
	return v
}

type ptzCtrl struct {
	Channel int    `json:"nChanel"`
	Command string `json:"szPtzCmd"`
	Value   int    `json:"byValue"`
}

type payload struct {
	SysCtrl struct {
		PtzCtrl ptzCtrl `json:"PtzCtrl"`
	} `json:"SysCtrl"`
}

// Body builds the form body szCmd=<urlencoded JSON>.
func (c *Client) Body(cmd domain.Command) (string, error) {
	var p payload
	p.SysCtrl.PtzCtrl = ptzCtrl{Channel: c.Channel, Command: string(cmd), Value: c.Magnitude}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return url.Values{"szCmd": {string(raw)}}.Encode(), nil
}

// Send posts one command. Any transport error or non-200 status is
// DeviceUnreachable; the response body carries no status.
func (c *Client) Send(ctx context.Context, cmd domain.Command) error {
	body, err := c.Body(cmd)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(body))
	if err != nil {
		return core.NewError(core.KindDeviceUnreachable, string(cmd), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return core.NewError(core.KindDeviceUnreachable, string(cmd), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	log.Debug().
		Str("module", "ptz.client").
		Str("command", string(cmd)).
		Int("channel", c.Channel).
		Int("status", resp.StatusCode).
		Msg("device request")

	if resp.StatusCode != http.StatusOK {
		return core.NewError(core.KindDeviceUnreachable, string(cmd), fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
