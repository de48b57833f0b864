package capture

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
	"github.com/wlantb/wtb/pkg/sshutil/sshtest"
)

func TestAutostop(t *testing.T) {
	assert.Equal(t, "duration:15", StopAfter(15*time.Second).Autostop())
	assert.Equal(t, "duration:90", StopAfter(90*time.Second).Autostop())
	assert.Equal(t, "packets:200", StopAfterPackets(200).Autostop())
}

func captureHost(id string) (*fleet.Host, *sshtest.MockClient) {
	client := sshtest.NewMockClient(id + ".lan")
	return &fleet.Host{ID: id, Client: client}, client
}

func TestRunToBuffer(t *testing.T) {
	payload := []byte("\x0a\x0d\x0d\x0afake pcapng bytes")

	host, client := captureHost("mon1")
	client.HandleProcess(`^tshark -F pcapng --interface mon0 --autostop duration:5 -w -$`,
		sshtest.ProcessScript{Stdout: payload})

	cap, err := Run(context.Background(), host, Config{
		Interface: "mon0",
		Stop:      StopAfter(5 * time.Second),
	})
	require.NoError(t, err)

	assert.Empty(t, cap.Path())
	assert.Equal(t, payload, cap.Bytes())

	r, err := cap.Reader()
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRunToFile(t *testing.T) {
	payload := []byte("capture to disk")
	path := filepath.Join(t.TempDir(), "mon1.pcapng")

	host, client := captureHost("mon1")
	client.HandleProcess(`tshark`, sshtest.ProcessScript{Stdout: payload})

	cap, err := Run(context.Background(), host, Config{
		Interface:  "mon0",
		Stop:       StopAfterPackets(100),
		OutputPath: path,
	})
	require.NoError(t, err)

	assert.Equal(t, path, cap.Path())
	assert.Nil(t, cap.Bytes())

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
}

func TestRunRefusesExistingOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mon1.pcapng")
	require.NoError(t, os.WriteFile(path, []byte("previous run"), 0o644))

	host, client := captureHost("mon1")

	cap, err := Run(context.Background(), host, Config{
		Interface:  "mon0",
		Stop:       StopAfter(time.Second),
		OutputPath: path,
	})
	require.Error(t, err)
	assert.Nil(t, cap)
	assert.True(t, errors.IsCode(err, errors.ErrCapture))

	// The sink failed before any remote work happened.
	assert.False(t, client.Started())

	// The original file is untouched.
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous run", string(onDisk))
}

func TestRunMissingOutputDirectory(t *testing.T) {
	host, client := captureHost("mon1")

	_, err := Run(context.Background(), host, Config{
		Interface:  "mon0",
		Stop:       StopAfter(time.Second),
		OutputPath: filepath.Join(t.TempDir(), "missing", "mon1.pcapng"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCapture))
	assert.False(t, client.Started())
}

func TestRunNonZeroExit(t *testing.T) {
	host, client := captureHost("mon1")
	client.HandleProcess(`tshark`, sshtest.ProcessScript{
		Stderr:   []byte("tshark: The capture session could not be initiated"),
		ExitCode: 2,
	})

	cap, err := Run(context.Background(), host, Config{
		Interface: "mon0",
		Stop:      StopAfter(time.Second),
	})
	require.Error(t, err)
	assert.Nil(t, cap)
	assert.True(t, errors.IsCode(err, errors.ErrCapture))
	assert.Contains(t, err.Error(), "status 2")
	assert.Contains(t, err.Error(), "could not be initiated")
}

func TestRunStartFailure(t *testing.T) {
	host, client := captureHost("mon1")
	client.HandleProcess(`tshark`, sshtest.ProcessScript{
		StartErr: io.ErrClosedPipe,
	})

	_, err := Run(context.Background(), host, Config{
		Interface: "mon0",
		Stop:      StopAfter(time.Second),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCapture))
	assert.Contains(t, err.Error(), "mon1")
}

func TestRunCancellation(t *testing.T) {
	host, client := captureHost("mon1")
	client.HandleProcess(`tshark`, sshtest.ProcessScript{
		Stdout:         []byte("partial"),
		BlockUntilKill: true,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, host, Config{
			Interface: "mon0",
			Stop:      StopAfter(time.Hour),
		})
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not stop after cancellation")
	}
}
