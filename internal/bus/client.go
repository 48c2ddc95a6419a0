package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quietlabs/murmur/internal/config"
)

// Client wraps the NATS connection the transcript bridge publishes on.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(cfg config.BridgeConfig, log *slog.Logger) (*Client, error) {
	servers := cfg.Servers
	if cfg.Embedded {
		servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)}
	}
	if len(servers) == 0 {
		return nil, errors.New("no bus servers configured")
	}

	url := strings.Join(servers, ",")
	conn, err := nats.Connect(url,
		nats.Name("murmur-bridge"),
		nats.Timeout(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	log.Info("connected to bus", slog.String("servers", url))
	return &Client{conn: conn, log: log}, nil
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing bus connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
