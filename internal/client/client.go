// Package client implements the burrow tunnel client: it registers a
// connection with the relay, maintains the websocket control channel,
// and proxies relayed traffic to a local port.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jpillora/backoff"

	"github.com/burrow-dev/burrow/internal/config"
)

const (
	reconnectMinDelay     = 2 * time.Second
	reconnectMaxDelay     = time.Minute
	maxConcurrentForwards = 32
	clientWSWriteTimeout  = 15 * time.Second
	clientWSReadLimit     = 32 * 1024 * 1024
	wsHandshakeTimeout    = 10 * time.Second
	localDialTimeout      = 5 * time.Second
	tcpReadBufferSize     = 32 * 1024

	// Inline vs streamed cutoff for local response bodies, matching the
	// relay's request-side threshold.
	streamingThreshold = 64 * 1024
	streamingChunkSize = 128 * 1024

	pumpControlQueueSize = 64
	pumpBulkQueueSize    = 256
)

// Client connects one tunnel to the relay and forwards its traffic to
// 127.0.0.1:LocalPort.
type Client struct {
	cfg       config.ClientConfig
	log       *slog.Logger
	version   string
	apiClient *http.Client // registration calls
	fwdClient *http.Client // local upstream forwarding
}

// New creates a Client with the given configuration and logger.
func New(cfg config.ClientConfig, logger *slog.Logger, version string) *Client {
	return &Client{
		cfg:     cfg,
		log:     logger,
		version: version,
		apiClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		fwdClient: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(l *slog.Logger) { c.log = l }

// Run registers and serves the tunnel until ctx is cancelled,
// re-registering with backoff after transient failures. Each
// reconnect is a fresh registration: connect tokens are single-use
// and the old connection record is closed by the relay.
func (c *Client) Run(ctx context.Context) error {
	localBase, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", c.cfg.LocalPort))
	if err != nil {
		return fmt.Errorf("invalid local URL: %w", err)
	}

	b := &backoff.Backoff{
		Min:    reconnectMinDelay,
		Max:    reconnectMaxDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		reg, err := c.register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isNonRetriableRegisterError(err) {
				return err
			}
			delay := b.Duration()
			c.log.Warn("tunnel register failed", "err", err, "retry_in", delay.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()
		c.log.Info("tunnel ready",
			"public_url", reg.PublicURL, "connection_id", reg.ConnectionID,
			"type", reg.Type, "local_port", c.cfg.LocalPort)

		err = c.runSession(ctx, localBase, reg)
		if ctx.Err() != nil {
			return nil
		}

		delay := b.Duration()
		c.log.Warn("tunnel disconnected, reconnecting", "err", err, "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
