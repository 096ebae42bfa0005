package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is a lazily-connecting SSH client for one VM fixture. It reconnects
// transparently after the VM reboots during provisioning.
type Client struct {
	config Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewClient creates a client. No connection is made until first use.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{config: cfg}, nil
}

// connect dials the VM if no live connection exists.
func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	clientCfg, err := c.config.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.config.Host, fmt.Sprintf("%d", c.config.Port))
	log.Debug().Str("addr", addr).Str("user", c.config.User).Msg("dialing fixture over ssh")

	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	return c.client, nil
}

// WaitForConnection polls until the SSH daemon accepts a connection or the
// deadline passes. Used after booting a VM, before declaring it reachable.
func (c *Client) WaitForConnection(ctx context.Context, maxWait, interval time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		if _, err := c.connect(ctx); err == nil {
			return nil
		} else if time.Now().After(deadline) {
			return fmt.Errorf("ssh not reachable within %s: %w", maxWait, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Close tears down the connection. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// dropConnection forgets a connection after a transport-level failure so the
// next call redials.
func (c *Client) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}
