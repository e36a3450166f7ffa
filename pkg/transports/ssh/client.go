package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Client is one SSH connection to a broker host.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	agentConn   net.Conn
	connectedAt time.Time
	done        chan struct{}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection. Connecting a connected client is
// a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	var ag agent.Agent
	if c.config.AuthMethod == AuthMethodAgent {
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return &TransportError{
				Op:          "connect",
				Err:         fmt.Errorf("failed to reach SSH agent: %w", err),
				IsAuthError: true,
			}
		}
		c.agentConn = conn
		ag = agent.NewClient(conn)
	}

	clientConfig, err := c.config.BuildSSHClientConfig(ag)
	if err != nil {
		c.closeAgent()
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig, ag)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		c.closeAgent()
		return err
	}

	c.connectedAt = time.Now()
	c.done = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.done)
	}
	return nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	conn, err := dial(ctx, nil, address, clientConfig)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	c.client = conn

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy reaches the target through a jump host. The jump host
// uses the same credentials and host key policy as the target.
func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig, ag agent.Agent) error {
	proxyConfig := *c.config
	proxyConfig.Host = c.config.ProxyHost
	proxyConfig.Port = c.config.ProxyPort
	proxyConfig.User = c.config.ProxyUser

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig(ag)
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	proxy, err := dial(ctx, nil, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}

	targetAddress := c.config.Address()
	conn, err := dial(ctx, proxy, targetAddress, targetConfig)
	if err != nil {
		_ = proxy.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	c.proxy = proxy
	c.client = conn

	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// dial opens an SSH connection to address, through via when set, giving up
// when ctx ends.
func dial(ctx context.Context, via *ssh.Client, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		if via == nil {
			client, err := ssh.Dial("tcp", address, config)
			ch <- result{client, err}
			return
		}
		conn, err := via.Dial("tcp", address)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
		if err != nil {
			_ = conn.Close()
			ch <- result{nil, err}
			return
		}
		ch <- result{ssh.NewClient(ncc, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

// Close closes the connection and releases all resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	close(c.done)
	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.closeAgent()

	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeAgent() {
	if c.agentConn != nil {
		_ = c.agentConn.Close()
		c.agentConn = nil
	}
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// keepAlive sends periodic keep-alive requests until done is closed.
func (c *Client) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

func (c *Client) sshClient(op string) (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}
