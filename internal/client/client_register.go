package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/burrow-dev/burrow/internal/domain"
)

// register reserves a connection and returns the relay's connect URL
// with its single-use token.
func (c *Client) register(ctx context.Context) (domain.RegisterResponse, error) {
	body, err := json.Marshal(domain.RegisterRequest{
		Type:          domain.ConnectionType(c.cfg.Type),
		Subdomain:     strings.TrimSpace(c.cfg.Subdomain),
		Password:      strings.TrimSpace(c.cfg.Password),
		ClientVersion: c.version,
	})
	if err != nil {
		return domain.RegisterResponse{}, err
	}

	u := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/v1/tunnels/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	if slug := strings.TrimSpace(c.cfg.TeamSlug); slug != "" {
		req.Header.Set("X-Team-Slug", slug)
	}

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		re := &registerError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var errResp domain.ErrorResponse
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
			re.Message = errResp.Error
		}
		return domain.RegisterResponse{}, re
	}

	var out domain.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.RegisterResponse{}, err
	}
	out.ConnectURL = rewriteConnectURL(out.ConnectURL, c.cfg.ServerURL)
	if out.ConnectURL == "" {
		return domain.RegisterResponse{}, errors.New("server returned empty connect_url")
	}
	return out, nil
}

// rewriteConnectURL aligns the websocket dial with the server URL the
// user configured: scheme (ws for plain-http relays behind no proxy)
// and any non-default port carry over.
func rewriteConnectURL(connectURL, serverURL string) string {
	connectURL = strings.TrimSpace(connectURL)
	serverURL = strings.TrimSpace(serverURL)
	if connectURL == "" || serverURL == "" {
		return connectURL
	}
	wsParsed, err := url.Parse(connectURL)
	if err != nil || wsParsed.Host == "" {
		return connectURL
	}
	serverParsed, err := url.Parse(serverURL)
	if err != nil {
		return connectURL
	}
	if serverParsed.Scheme == "http" {
		wsParsed.Scheme = "ws"
	}
	if port := serverParsed.Port(); port != "" && wsParsed.Port() == "" {
		wsParsed.Host = net.JoinHostPort(wsParsed.Hostname(), port)
	}
	return wsParsed.String()
}
