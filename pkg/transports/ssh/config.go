// Package ssh provides the SSH transport used to drive VM fixtures: command
// execution with exit-code capture and SFTP file transfer. Container fixtures
// do not use it; they exec through the container runtime instead.
package ssh

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config holds the connection parameters for one VM fixture.
type Config struct {
	// Host is the address the VM's SSH daemon is reachable on.
	Host string `yaml:"host"`

	// Port is the (usually slot-allocated, forwarded) SSH port.
	Port int `yaml:"port"`

	// User is the login user baked into the VM's first-boot seed.
	User string `yaml:"user"`

	// Password authenticates when no private key is configured.
	Password string `yaml:"password,omitempty"`

	// PrivateKeyPath points at an OpenSSH private key file.
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`

	// ConnectTimeout bounds the TCP+handshake phase of a dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Validate checks the config for the minimum viable connection parameters.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("ssh config requires a host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("ssh config requires a valid port, got %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("ssh config requires a user")
	}
	if c.Password == "" && c.PrivateKeyPath == "" {
		return fmt.Errorf("ssh config requires a password or a private key")
	}
	return nil
}

// clientConfig builds the underlying x/crypto client configuration.
// Fixtures are throwaway local VMs, so host keys are not verified.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // ephemeral local fixtures
		Timeout:         timeout,
	}, nil
}
