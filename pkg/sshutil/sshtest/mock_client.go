// Package sshtest provides a mock implementation of sshutil.SSHClient for
// testing components that drive remote hosts, without any network access.
//
// Commands are matched against registered regexp patterns and answered with
// canned responses. Spawned processes can be scripted to emit bytes and exit,
// or to block until killed (for cancellation and timeout tests).
package sshtest

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"sync"

	"github.com/wlantb/wtb/pkg/sshutil"
)

// Response is a canned reply for a command executed via Exec.
type Response struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Err      error
	// BlockUntil, if set, keeps the command "running" until a later command
	// matching this pattern arrives on the same client. Closing the client
	// also releases it. Counterpart of ProcessScript.BlockUntilKill for
	// one-shot commands that outstay their welcome.
	BlockUntil string
}

// ProcessScript describes how a spawned process should behave.
type ProcessScript struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// BlockUntilKill keeps the process "running" (stdout open, Wait blocked)
	// until Kill is called.
	BlockUntilKill bool
	// StartErr, if set, makes Start fail before any process exists.
	StartErr error
}

type rule struct {
	pattern *regexp.Regexp
	resp    Response
	proc    *ProcessScript
}

// waiter is a blocked Exec call waiting for a matching release command.
type waiter struct {
	pattern *regexp.Regexp
	once    sync.Once
	ch      chan struct{}
}

func (w *waiter) release() {
	w.once.Do(func() { close(w.ch) })
}

// MockClient simulates an SSH connection. It records every command it is
// asked to run so tests can assert on remote side effects (or their absence).
type MockClient struct {
	mu      sync.Mutex
	host    string
	rules   []rule
	waiters []*waiter

	ExecCalls  []string
	StartCalls []string

	closed bool
}

// NewMockClient creates a mock client for the given host name.
func NewMockClient(host string) *MockClient {
	return &MockClient{host: host}
}

// Handle registers a canned Exec response for commands matching pattern.
func (m *MockClient) Handle(pattern string, resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule{pattern: regexp.MustCompile(pattern), resp: resp})
}

// HandleProcess registers a scripted process for Start calls matching pattern.
func (m *MockClient) HandleProcess(pattern string, script ProcessScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := script
	m.rules = append(m.rules, rule{pattern: regexp.MustCompile(pattern), proc: &s})
}

// Exec answers a command with the first matching registered response.
// Unmatched commands succeed with empty output, which keeps simple probe
// commands from needing boilerplate in every test. A response with
// BlockUntil set does not return until its release command arrives; the
// client stays usable for other commands in the meantime.
func (m *MockClient) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil, nil, -1, errors.New("connection closed")
	}
	m.ExecCalls = append(m.ExecCalls, cmd)

	for _, w := range m.waiters {
		if w.pattern.MatchString(cmd) {
			w.release()
		}
	}

	for _, r := range m.rules {
		if r.proc == nil && r.pattern.MatchString(cmd) {
			resp := r.resp
			if resp.BlockUntil != "" {
				w := &waiter{pattern: regexp.MustCompile(resp.BlockUntil), ch: make(chan struct{})}
				m.waiters = append(m.waiters, w)
				m.mu.Unlock()
				<-w.ch
				return resp.Stdout, resp.Stderr, resp.ExitCode, resp.Err
			}
			m.mu.Unlock()
			return resp.Stdout, resp.Stderr, resp.ExitCode, resp.Err
		}
	}

	m.mu.Unlock()
	return nil, nil, 0, nil
}

// Start spawns a scripted process for the first matching rule. A command with
// no matching process script gets an immediately-exiting empty process.
func (m *MockClient) Start(cmd string) (sshutil.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("connection closed")
	}
	m.StartCalls = append(m.StartCalls, cmd)

	for _, r := range m.rules {
		if r.proc != nil && r.pattern.MatchString(cmd) {
			if r.proc.StartErr != nil {
				return nil, r.proc.StartErr
			}
			return newMockProcess(*r.proc), nil
		}
	}
	return newMockProcess(ProcessScript{}), nil
}

// Close marks the connection as closed; further calls fail and any blocked
// commands are released.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, w := range m.waiters {
		w.release()
	}
	return nil
}

// GetHost returns the host name the mock was created with.
func (m *MockClient) GetHost() string {
	return m.host
}

// GetAddress returns a fake resolved address.
func (m *MockClient) GetAddress() string {
	return m.host + ":22"
}

// Started reports whether any process was spawned on this client.
func (m *MockClient) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.StartCalls) > 0
}

// mockProcess implements sshutil.Process for a ProcessScript.
type mockProcess struct {
	stdout   io.Reader
	stderr   []byte
	exitCode int

	blocking bool
	killCh   chan struct{}
	killOnce sync.Once
}

func newMockProcess(script ProcessScript) *mockProcess {
	p := &mockProcess{
		stderr:   script.Stderr,
		exitCode: script.ExitCode,
		blocking: script.BlockUntilKill,
		killCh:   make(chan struct{}),
	}
	if script.BlockUntilKill {
		p.stdout = io.MultiReader(bytes.NewReader(script.Stdout), &blockedReader{ch: p.killCh})
	} else {
		p.stdout = bytes.NewReader(script.Stdout)
	}
	return p
}

func (p *mockProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *mockProcess) Wait() (int, error) {
	if p.blocking {
		<-p.killCh
		return -1, errors.New("remote process was killed")
	}
	return p.exitCode, nil
}

func (p *mockProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killCh) })
	return nil
}

func (p *mockProcess) StderrBytes() []byte {
	return p.stderr
}

// blockedReader blocks Read until the channel closes, then reports EOF.
// It stands in for a remote stdout pipe that stays open while the remote
// process runs.
type blockedReader struct {
	ch <-chan struct{}
}

func (r *blockedReader) Read(p []byte) (int, error) {
	<-r.ch
	return 0, io.EOF
}
