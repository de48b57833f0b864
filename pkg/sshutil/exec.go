package sshutil

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/wlantb/wtb/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Exec runs a command on the remote host and returns the output.
// Returns stdout, stderr, exit code, and any error.
//
// A launch failure (session could not be created, command could not be
// started) is returned as an error with exit code -1. A command that ran but
// exited non-zero is NOT an error: the exit code is returned as data and the
// caller decides what it means.
func (c *Client) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.NewSession()
	if err != nil {
		return nil, nil, -1, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to create SSH session",
			"Connection may have been closed. Try reconnecting.")
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	exitCode = 0
	err = session.Run(cmd)
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
			err = nil
		} else {
			return nil, nil, -1, errors.WrapWithCode(err, errors.ErrExec,
				fmt.Sprintf("Failed to execute command: %s", cmd),
				"Check if the command exists on the remote host.")
		}
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, nil
}

// Start spawns a long-running command on the remote host with its stdout
// piped back over the connection. Stderr is collected into a buffer for
// diagnostics. The returned Process must be Wait()ed or Kill()ed.
func (c *Client) Start(cmd string) (Process, error) {
	session, err := c.NewSession()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to create SSH session",
			"Connection may have been closed. Try reconnecting.")
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to pipe remote stdout", "")
	}

	proc := &remoteProcess{session: session, stdout: stdout}
	session.Stderr = &proc.stderr

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Failed to start command: %s", cmd),
			"Check if the command exists on the remote host.")
	}

	return proc, nil
}

// remoteProcess is a spawned remote command backed by a live *ssh.Session.
type remoteProcess struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  bytes.Buffer

	closeOnce sync.Once
	// killed is read by Wait and set by Kill, potentially from another
	// goroutine (cancellation watchers).
	killed atomic.Bool
}

func (p *remoteProcess) Stdout() io.Reader {
	return p.stdout
}

// Wait blocks until the remote command exits. A non-zero exit status is
// returned as the exit code with a nil error; transport failures are errors.
func (p *remoteProcess) Wait() (int, error) {
	err := p.session.Wait()
	p.closeOnce.Do(func() { p.session.Close() })

	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), nil
	}
	if p.killed.Load() {
		// Tearing down the session makes Wait fail; report it as a kill.
		return -1, errors.New(errors.ErrExec,
			"Remote process was killed", "")
	}
	return -1, errors.WrapWithCode(err, errors.ErrExec,
		"Waiting on remote process failed", "")
}

// Kill terminates the remote command. The kill signal is sent over the
// session and the session itself is closed so the remote side does not
// outlive the local reader.
func (p *remoteProcess) Kill() error {
	p.killed.Store(true)
	// Best effort: not every sshd delivers signals, closing the session
	// tears down the channel either way.
	_ = p.session.Signal(ssh.SIGKILL)
	var err error
	p.closeOnce.Do(func() { err = p.session.Close() })
	return err
}

func (p *remoteProcess) StderrBytes() []byte {
	return p.stderr.Bytes()
}
