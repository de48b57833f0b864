package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wlantb/wtb/internal/config"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
	"github.com/wlantb/wtb/pkg/sshutil"
	"github.com/wlantb/wtb/pkg/sshutil/sshtest"
)

// mockFleet connects a registry of mock-backed hosts and returns the mocks
// keyed by host id for scripting.
func mockFleet(t *testing.T, ids ...string) (*fleet.Registry, map[string]*sshtest.MockClient) {
	t.Helper()

	clients := make(map[string]*sshtest.MockClient, len(ids))
	cfg := &config.Config{}
	for _, id := range ids {
		clients[id] = sshtest.NewMockClient(id + ".lan")
		cfg.Hosts = append(cfg.Hosts, config.HostConfig{ID: id, SSH: id, WifiDriver: "iwlwifi"})
	}

	dial := func(host string, relays []string, timeout time.Duration) (sshutil.SSHClient, error) {
		c, ok := clients[host]
		if !ok {
			return nil, fmt.Errorf("unexpected dial to %s", host)
		}
		return c, nil
	}

	reg, err := fleet.Connect(context.Background(), cfg, dial)
	require.NoError(t, err)
	return reg, clients
}

func TestMonitorToMemory(t *testing.T) {
	payload := []byte("pcapng stream for mon1")

	reg, clients := mockFleet(t, "ap", "mon1", "sta1")
	clients["mon1"].HandleProcess(`tshark -F pcapng --interface mon0 --autostop duration:5`,
		sshtest.ProcessScript{Stdout: payload})

	mon, err := Start(context.Background(), reg, Config{
		SSID:     "testbed",
		BSSID:    testBSSID,
		Monitors: []string{"mon1"},
		Targets:  []string{"sta1"},
		Duration: 5 * time.Second,
	})
	require.NoError(t, err)

	results, err := mon.Wait()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results, "mon1")
	assert.Equal(t, payload, results["mon1"].Bytes())

	// Hosts outside the monitor set spawned nothing.
	assert.False(t, clients["ap"].Started())
	assert.False(t, clients["sta1"].Started())
}

func TestMonitorToDirectory(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "run", "captures")

	reg, clients := mockFleet(t, "mon1", "mon2", "sta1")
	clients["mon1"].HandleProcess(`tshark`, sshtest.ProcessScript{Stdout: []byte("one")})
	clients["mon2"].HandleProcess(`tshark`, sshtest.ProcessScript{Stdout: []byte("two")})

	mon, err := Start(context.Background(), reg, Config{
		SSID:      "testbed",
		BSSID:     testBSSID,
		Monitors:  []string{"mon1", "mon2"},
		Duration:  time.Second,
		OutputDir: outDir,
	})
	require.NoError(t, err)

	results, err := mon.Wait()
	require.NoError(t, err)
	require.Len(t, results, 2)

	for id, content := range map[string]string{"mon1": "one", "mon2": "two"} {
		path := filepath.Join(outDir, id+".pcapng")
		assert.Equal(t, path, results[id].Path())
		onDisk, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(onDisk))
	}
}

func TestMonitorWithDiscovery(t *testing.T) {
	reg, clients := mockFleet(t, "mon1", "sta1")
	clients["mon1"].HandleProcess(`tshark -T fields`, sshtest.ProcessScript{
		Stdout: []byte("wlan.fixed.aid\n0x000a\n"),
	})
	clients["mon1"].HandleProcess(`tshark -F pcapng`, sshtest.ProcessScript{
		Stdout: []byte("capture"),
	})

	mon, err := Start(context.Background(), reg, Config{
		SSID:                 "testbed",
		BSSID:                testBSSID,
		Monitors:             []string{"mon1"},
		Targets:              []string{"sta1"},
		Duration:             time.Second,
		DiscoverAssociations: true,
	})
	require.NoError(t, err)

	results, err := mon.Wait()
	require.NoError(t, err)
	assert.Equal(t, []byte("capture"), results["mon1"].Bytes())

	// Discovery assigned AID 0xa before the capture started.
	var aidWrites int
	for _, cmd := range clients["mon1"].ExecCalls {
		if cmd == "sudo sh -c 'echo a aa:bb:cc:dd:ee:ff > /sys/kernel/debug/iwlwifi/*/iwlmvm/he_sniffer_params'" {
			aidWrites++
		}
	}
	assert.Equal(t, 1, aidWrites)
}

func TestMonitorTunesRadios(t *testing.T) {
	reg, clients := mockFleet(t, "mon1")
	clients["mon1"].HandleProcess(`tshark`, sshtest.ProcessScript{})

	mon, err := Start(context.Background(), reg, Config{
		Monitors:     []string{"mon1"},
		Interface:    "wlp3s0mon",
		Duration:     time.Second,
		FrequencyMHz: 5220,
		BandwidthMHz: 160,
	})
	require.NoError(t, err)
	_, err = mon.Wait()
	require.NoError(t, err)

	assert.Contains(t, clients["mon1"].ExecCalls, "sudo iw dev wlp3s0mon set freq 5220 160")
}

func TestMonitorUnknownHostID(t *testing.T) {
	reg, clients := mockFleet(t, "mon1")

	mon, err := Start(context.Background(), reg, Config{
		Monitors: []string{"mon1", "ghost"},
		Duration: time.Second,
	})
	require.Error(t, err)
	assert.Nil(t, mon)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	assert.Contains(t, err.Error(), "ghost")

	// Resolution failed before any remote side effect.
	assert.False(t, clients["mon1"].Started())
}

func TestMonitorAllOrNothing(t *testing.T) {
	reg, clients := mockFleet(t, "mon1", "mon2", "mon3")
	clients["mon1"].HandleProcess(`tshark`, sshtest.ProcessScript{Stdout: []byte("ok")})
	clients["mon2"].HandleProcess(`tshark`, sshtest.ProcessScript{
		Stderr:   []byte("tshark: capture failed"),
		ExitCode: 2,
	})
	clients["mon3"].HandleProcess(`tshark`, sshtest.ProcessScript{Stdout: []byte("ok")})

	mon, err := Start(context.Background(), reg, Config{
		Monitors: []string{"mon1", "mon2", "mon3"},
		Duration: time.Second,
	})
	require.NoError(t, err)

	results, err := mon.Wait()
	require.Error(t, err)
	assert.Nil(t, results)
	assert.True(t, errors.IsCode(err, errors.ErrMonitor))
	assert.Contains(t, err.Error(), "mon2")
}

func TestMonitorAbort(t *testing.T) {
	reg, clients := mockFleet(t, "mon1")
	clients["mon1"].HandleProcess(`tshark`, sshtest.ProcessScript{
		Stdout:         []byte("partial"),
		BlockUntilKill: true,
	})

	mon, err := Start(context.Background(), reg, Config{
		Monitors: []string{"mon1"},
		Duration: time.Hour,
	})
	require.NoError(t, err)

	mon.Abort()

	done := make(chan struct{})
	var waitErr error
	go func() {
		_, waitErr = mon.Wait()
		close(done)
	}()

	select {
	case <-done:
		require.Error(t, waitErr)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted monitor did not unblock Wait")
	}
}
