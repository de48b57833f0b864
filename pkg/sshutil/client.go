// Package sshutil provides the SSH transport used to drive testbed hosts:
// dialing (optionally through an ordered chain of relay hosts), one-shot
// command execution, and long-running remote processes with piped output.
//
// Connection settings (user, port, hostname, identity file) are resolved
// from ~/.ssh/config when available.
package sshutil

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/wlantb/wtb/internal/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client wraps an SSH connection with metadata about how it was opened.
type Client struct {
	*ssh.Client
	Host    string // original host/alias used to connect
	Address string // resolved address (host:port)

	// relayClients are intermediate hop connections, closed with the client.
	relayClients []*ssh.Client
}

// StrictHostKeyChecking controls host key verification behavior.
// When true (default), host keys are verified against ~/.ssh/known_hosts.
// When false, verification is skipped (insecure, for lab automation).
var StrictHostKeyChecking = true

// Dial opens an SSH connection to host, optionally routed through an ordered
// chain of relay hosts. relays[0] is dialed first; each subsequent hop is
// tunnelled through the previous one, and host is reached from the last relay.
//
// host and each relay can be an SSH config alias, a hostname, user@hostname,
// or hostname:port.
func Dial(host string, relays []string, timeout time.Duration) (*Client, error) {
	var (
		prev       *ssh.Client
		relayChain []*ssh.Client
	)

	closeChain := func() {
		for i := len(relayChain) - 1; i >= 0; i-- {
			relayChain[i].Close()
		}
	}

	for _, relay := range relays {
		hop, _, err := dialOne(relay, prev, timeout)
		if err != nil {
			closeChain()
			return nil, errors.WrapWithCode(err, errors.ErrSSH,
				fmt.Sprintf("Can't open relay hop '%s' on the way to '%s'", relay, host),
				"Check the relay is reachable: ssh "+relay)
		}
		relayChain = append(relayChain, hop)
		prev = hop
	}

	target, address, err := dialOne(host, prev, timeout)
	if err != nil {
		closeChain()
		return nil, err
	}

	return &Client{
		Client:       target,
		Host:         host,
		Address:      address,
		relayClients: relayChain,
	}, nil
}

// dialOne opens a single SSH connection, either directly or through an
// existing client acting as a jump host.
func dialOne(host string, via *ssh.Client, timeout time.Duration) (*ssh.Client, string, error) {
	settings := resolveSSHSettings(host)

	config, err := buildSSHConfig(settings)
	if err != nil {
		var serr *errors.Error
		if stderrors.As(err, &serr) {
			return nil, "", err
		}
		return nil, "", errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Couldn't set up SSH for '%s'", host),
			"Check your keys are loaded: ssh-add -l")
	}
	config.Timeout = timeout

	address := settings.address()

	var conn net.Conn
	if via != nil {
		conn, err = via.Dial("tcp", address)
	} else {
		conn, err = net.DialTimeout("tcp", address, timeout)
	}
	if err != nil {
		return nil, "", errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Can't reach '%s' at %s", host, address),
			suggestionForDialError(err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, "", errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("SSH handshake with '%s' didn't go through", host),
			suggestionForHandshakeError(err))
	}

	return ssh.NewClient(sshConn, chans, reqs), address, nil
}

// Close closes the SSH connection and any relay hops behind it.
func (c *Client) Close() error {
	var err error
	if c.Client != nil {
		err = c.Client.Close()
	}
	for i := len(c.relayClients) - 1; i >= 0; i-- {
		c.relayClients[i].Close()
	}
	return err
}

// GetHost returns the original host/alias used to connect.
func (c *Client) GetHost() string {
	return c.Host
}

// GetAddress returns the resolved host:port address.
func (c *Client) GetAddress() string {
	return c.Address
}

// sshSettings holds resolved SSH connection parameters.
type sshSettings struct {
	hostname     string
	port         string
	user         string
	identityFile string
}

func (s *sshSettings) address() string {
	return net.JoinHostPort(s.hostname, s.port)
}

// resolveSSHSettings parses the host string and resolves settings from ~/.ssh/config.
func resolveSSHSettings(host string) *sshSettings {
	settings := &sshSettings{
		port: "22",
		user: currentUser(),
	}

	// user@host takes precedence over everything else.
	if atIdx := strings.Index(host, "@"); atIdx != -1 {
		settings.user = host[:atIdx]
		host = host[atIdx+1:]
	}

	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 {
		potentialPort := host[colonIdx+1:]
		isPort := len(potentialPort) > 0
		for _, r := range potentialPort {
			if r < '0' || r > '9' {
				isPort = false
				break
			}
		}
		if isPort {
			settings.port = potentialPort
			host = host[:colonIdx]
		}
	}

	settings.hostname = host

	cfg := loadSSHConfig()
	if cfg == nil {
		return settings
	}

	if hostname, _ := cfg.Get(host, "HostName"); hostname != "" {
		settings.hostname = hostname
	}
	if port, _ := cfg.Get(host, "Port"); port != "" {
		settings.port = port
	}
	if user, _ := cfg.Get(host, "User"); user != "" {
		settings.user = user
	}
	if identity, _ := cfg.Get(host, "IdentityFile"); identity != "" {
		settings.identityFile = expandPath(identity)
	}

	return settings
}

// loadSSHConfig reads ~/.ssh/config, truncated at the first Match directive
// because the ssh_config library can't parse Match blocks.
func loadSSHConfig() *ssh_config.Config {
	content, err := os.ReadFile(filepath.Join(homeDir(), ".ssh", "config"))
	if err != nil {
		return nil
	}

	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "match ") {
			lines = lines[:i]
			break
		}
	}

	cfg, err := ssh_config.Decode(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		return nil
	}
	return cfg
}

// buildSSHConfig creates an SSH client config with authentication methods.
func buildSSHConfig(settings *sshSettings) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	// Agent first: it's the common case on operator machines.
	if agentAuth := sshAgentAuth(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}

	tried := map[string]bool{}
	tryKeyFile := func(keyPath string) {
		if keyPath == "" || tried[keyPath] {
			return
		}
		tried[keyPath] = true
		keyAuth, err := keyFileAuth(keyPath)
		if err != nil {
			// Missing or unreadable keys are skipped silently.
			return
		}
		authMethods = append(authMethods, keyAuth)
	}

	tryKeyFile(settings.identityFile)
	tryKeyFile(filepath.Join(homeDir(), ".ssh", "id_ed25519"))
	tryKeyFile(filepath.Join(homeDir(), ".ssh", "id_rsa"))
	tryKeyFile(filepath.Join(homeDir(), ".ssh", "id_ecdsa"))

	if len(authMethods) == 0 {
		return nil, errors.New(errors.ErrSSH,
			"No SSH auth methods available",
			"Check your keys are loaded: ssh-add -l")
	}

	var hostKeyCallback ssh.HostKeyCallback
	if StrictHostKeyChecking {
		knownHostsPath := filepath.Join(homeDir(), ".ssh", "known_hosts")
		var err error
		hostKeyCallback, err = knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // User explicitly disabled host key checking
	}

	return &ssh.ClientConfig{
		User:            settings.user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}, nil
}

// agentConn holds the reusable SSH agent connection.
var (
	agentConn     net.Conn
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

// sshAgentAuth returns an auth method using the SSH agent if available.
// The agent connection is reused across multiple SSH connections.
// Returns nil if the agent has no keys loaded.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}

	// An empty agent causes auth failures when placed before other methods.
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// CloseAgent closes the SSH agent connection if one is open.
func CloseAgent() {
	if agentConn != nil {
		agentConn.Close()
	}
}

// keyFileAuth returns an auth method using a private key file.
func keyFileAuth(keyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}

	return ssh.PublicKeys(signer), nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") {
		return "Is SSH running on that box? Try: ssh <host>"
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Can't route to the host. Check your network connection."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") {
		return "Connection timed out. Host might be offline or blocked by a firewall."
	}
	return "Make sure the host is reachable: ping <host>"
}

func suggestionForHandshakeError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods") {
		return "Auth failed. Check your keys are loaded: ssh-add -l"
	}
	if strings.Contains(errStr, "host key") || strings.Contains(errStr, "knownhosts") {
		return "Host key issue. Try connecting manually first: ssh <host>"
	}
	return "Something went wrong during SSH setup. Try: ssh <host>"
}
