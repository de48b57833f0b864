// Package capture runs passive wireless captures on remote hosts.
//
// The remote capture tool writes its pcapng stream to stdout; the bytes
// travel back over the SSH channel and land in a local file or an in-memory
// buffer. The stream's internal structure is never inspected here: a capture
// may be truncated or corrupt and only a downstream consumer will notice.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
)

// StopCondition tells the capture tool when to stop recording.
type StopCondition struct {
	duration  time.Duration
	packets   uint32
	byPackets bool
}

// StopAfter stops the capture after a duration, accurate to whole seconds.
func StopAfter(d time.Duration) StopCondition {
	return StopCondition{duration: d}
}

// StopAfterPackets stops the capture after n captured packets.
func StopAfterPackets(n uint32) StopCondition {
	return StopCondition{packets: n, byPackets: true}
}

// Autostop renders the condition as the capture tool's autostop expression.
func (s StopCondition) Autostop() string {
	if s.byPackets {
		return fmt.Sprintf("packets:%d", s.packets)
	}
	return fmt.Sprintf("duration:%d", int(s.duration.Seconds()))
}

// Config defines options for capturing on a remote network interface.
type Config struct {
	// Interface is the name of the interface to capture on.
	Interface string

	// Stop determines when the remote tool stops capturing.
	Stop StopCondition

	// OutputPath, if set, is where the capture is written. The file must not
	// yet exist but its parent directory must. Empty means capture to memory.
	OutputPath string
}

// Capture holds the bytes of a finished capture, file- or buffer-backed.
type Capture struct {
	path string
	buf  []byte
}

// Path returns the output file path, empty for in-memory captures.
func (c *Capture) Path() string {
	return c.path
}

// Bytes returns the capture bytes for in-memory captures, nil otherwise.
func (c *Capture) Bytes() []byte {
	return c.buf
}

// Reader returns a sequential byte reader over the capture, regardless of
// where the bytes live.
func (c *Capture) Reader() (io.ReadCloser, error) {
	if c.path != "" {
		return os.Open(c.path)
	}
	return io.NopCloser(bytes.NewReader(c.buf)), nil
}

// Run starts a passive capture on the host and blocks until the remote tool
// exits. The output sink is resolved before any remote process is spawned,
// so a pre-existing output file is reported without wasted remote work.
// Cancelling ctx kills the remote process and fails the capture.
func Run(ctx context.Context, host *fleet.Host, cfg Config) (*Capture, error) {
	var (
		sink   io.Writer
		file   *os.File
		buf    bytes.Buffer
		result = &Capture{}
	)

	if cfg.OutputPath != "" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCapture,
				"Could not create capture output file",
				"The output file must not exist yet and its directory must")
		}
		file = f
		sink = f
		result.path = cfg.OutputPath
		defer file.Close()
	} else {
		sink = &buf
	}

	cmd := fmt.Sprintf("tshark -F pcapng --interface %s --autostop %s -w -",
		cfg.Interface, cfg.Stop.Autostop())

	proc, err := host.Client.Start(cmd)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCapture,
			fmt.Sprintf("Failed to start remote capture on '%s'", host.ID),
			"Check that tshark is installed on the host (wtb provision)")
	}

	// Kill the remote tool if the run is cancelled; merely dropping the
	// reader would leak the remote process.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			proc.Kill()
		case <-watchDone:
		}
	}()

	if _, err := io.Copy(sink, proc.Stdout()); err != nil {
		proc.Kill()
		return nil, errors.WrapWithCode(err, errors.ErrCapture,
			fmt.Sprintf("Failed to stream capture from '%s'", host.ID),
			"")
	}

	exitCode, err := proc.Wait()
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCapture,
			fmt.Sprintf("Remote capture on '%s' failed", host.ID),
			"")
	}
	if exitCode != 0 {
		logrus.WithFields(logrus.Fields{
			"host":   host.ID,
			"status": exitCode,
		}).Debugf("Remote capture stderr: %q", proc.StderrBytes())
		return nil, errors.New(errors.ErrCapture,
			fmt.Sprintf("Remote capture on '%s' exited with status %d: %s",
				host.ID, exitCode, proc.StderrBytes()),
			"")
	}

	if file == nil {
		result.buf = buf.Bytes()
	}
	return result, nil
}
