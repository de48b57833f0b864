package sshutil

import "io"

// SSHClient is the transport interface the rest of the controller programs
// against. Both the real Client and the sshtest mock satisfy it, which lets
// every component above the transport be tested without network access.
type SSHClient interface {
	// Exec runs a command and returns stdout, stderr, and exit code.
	// Exit code is -1 if the command couldn't be executed at all.
	// A non-zero exit code with nil error means the command ran but failed.
	Exec(cmd string) (stdout, stderr []byte, exitCode int, err error)

	// Start spawns a command with piped stdout for streaming consumption.
	Start(cmd string) (Process, error)

	// Close closes the SSH connection (including any relay hops).
	Close() error

	// GetHost returns the original host/alias used to connect.
	GetHost() string

	// GetAddress returns the resolved host:port address.
	GetAddress() string
}

// Process is a handle on a spawned remote command.
type Process interface {
	// Stdout is the remote command's piped standard output. It is drained
	// while the command runs; EOF means the remote side closed the stream.
	Stdout() io.Reader

	// Wait blocks until the command exits and returns its exit code.
	// Non-zero exits are data, not errors; transport failures are errors.
	Wait() (exitCode int, err error)

	// Kill terminates the remote command and tears down its session so the
	// remote process does not outlive the local caller.
	Kill() error

	// StderrBytes returns whatever the command wrote to stderr so far.
	StderrBytes() []byte
}
