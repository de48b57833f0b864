package monitor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
	"github.com/wlantb/wtb/pkg/sshutil/sshtest"
)

const testBSSID = "aa:bb:cc:dd:ee:ff"

func TestDiscoveryCommand(t *testing.T) {
	cmd := discoveryCommand("mon0", testBSSID, 15)
	assert.Equal(t,
		`sudo tshark -T fields -e wlan.fixed.aid --interface mon0 -f "type mgt subtype assoc-resp and wlan src aa:bb:cc:dd:ee:ff" --autostop duration:15`,
		cmd)
}

func TestParseAIDs(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    []uint16
		wantErr bool
	}{
		{
			name: "header plus hex ids",
			out:  "wlan.fixed.aid\n0x0001\n0x001e\n",
			want: []uint16{1, 30},
		},
		{
			name: "ids without prefix",
			out:  "wlan.fixed.aid\n2\nc007\n",
			want: []uint16{2, 0xc007},
		},
		{
			name: "blank lines skipped",
			out:  "wlan.fixed.aid\n\n0x0003\n\n\n",
			want: []uint16{3},
		},
		{
			name: "header only",
			out:  "wlan.fixed.aid\n",
			want: nil,
		},
		{
			name: "empty output",
			out:  "",
			want: nil,
		},
		{
			name:    "garbage line",
			out:     "wlan.fixed.aid\n0x0001\nnot-an-aid\n",
			wantErr: true,
		},
		{
			name:    "id out of range",
			out:     "wlan.fixed.aid\n0x1ffff\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aids, err := parseAIDs(tt.out)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrMonitor))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, aids)
		})
	}
}

// discoveryFixture wires mock monitor and target hosts for discovery runs.
type discoveryFixture struct {
	monitors []*fleet.Host
	targets  []*fleet.Host
	clients  map[string]*sshtest.MockClient
}

func newDiscoveryFixture(monitorIDs, targetIDs []string) *discoveryFixture {
	f := &discoveryFixture{clients: make(map[string]*sshtest.MockClient)}
	for _, id := range monitorIDs {
		client := sshtest.NewMockClient(id + ".lan")
		f.clients[id] = client
		f.monitors = append(f.monitors, &fleet.Host{ID: id, Client: client, WifiDriver: "iwlwifi"})
	}
	for _, id := range targetIDs {
		client := sshtest.NewMockClient(id + ".lan")
		f.clients[id] = client
		f.targets = append(f.targets, &fleet.Host{ID: id, Client: client})
	}
	return f
}

func TestDiscoverAssociations(t *testing.T) {
	f := newDiscoveryFixture([]string{"mon1", "mon2"}, []string{"sta1", "sta2"})
	f.clients["mon1"].HandleProcess(`tshark -T fields`, sshtest.ProcessScript{
		Stdout: []byte("wlan.fixed.aid\n0x0001\n0x001e\n"),
	})

	cfg := &Config{SSID: "testbed", BSSID: testBSSID}
	err := discoverAssociations(context.Background(), f.monitors, f.targets, cfg)
	require.NoError(t, err)

	// Each target joined the network exactly once.
	for _, id := range []string{"sta1", "sta2"} {
		calls := f.clients[id].ExecCalls
		require.Len(t, calls, 1, "host %s", id)
		assert.Contains(t, calls[0], "nmcli device wifi connect testbed")
	}

	// AID i went to monitor i, rendered in hex.
	require.Len(t, f.clients["mon1"].ExecCalls, 1)
	assert.Contains(t, f.clients["mon1"].ExecCalls[0], "echo 1 aa:bb:cc:dd:ee:ff")
	require.Len(t, f.clients["mon2"].ExecCalls, 1)
	assert.Contains(t, f.clients["mon2"].ExecCalls[0], "echo 1e aa:bb:cc:dd:ee:ff")
}

func TestDiscoverAssociationsShortfall(t *testing.T) {
	// Two monitor hosts but only one discovered id. This must be loud: no
	// monitor gets a made-up AID.
	f := newDiscoveryFixture([]string{"mon1", "mon2"}, []string{"sta1"})
	f.clients["mon1"].HandleProcess(`tshark -T fields`, sshtest.ProcessScript{
		Stdout: []byte("wlan.fixed.aid\n0x0001\n"),
	})

	cfg := &Config{SSID: "testbed", BSSID: testBSSID}
	err := discoverAssociations(context.Background(), f.monitors, f.targets, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrMonitor))
	assert.Contains(t, err.Error(), "Discovered 1 association ids for 2 monitor hosts")

	// No AID was assigned anywhere.
	assert.Empty(t, f.clients["mon1"].ExecCalls)
	assert.Empty(t, f.clients["mon2"].ExecCalls)
}

func TestDiscoverAssociationsExtraIDsDiscarded(t *testing.T) {
	f := newDiscoveryFixture([]string{"mon1"}, []string{"sta1", "sta2", "sta3"})
	f.clients["mon1"].HandleProcess(`tshark -T fields`, sshtest.ProcessScript{
		Stdout: []byte("wlan.fixed.aid\n0x0005\n0x0006\n0x0007\n"),
	})

	cfg := &Config{SSID: "testbed", BSSID: testBSSID}
	require.NoError(t, discoverAssociations(context.Background(), f.monitors, f.targets, cfg))

	// Only the first id was assigned.
	require.Len(t, f.clients["mon1"].ExecCalls, 1)
	assert.Contains(t, f.clients["mon1"].ExecCalls[0], "echo 5 ")
}

func TestDiscoverAssociationsNoMonitors(t *testing.T) {
	f := newDiscoveryFixture(nil, []string{"sta1"})

	cfg := &Config{SSID: "testbed", BSSID: testBSSID}
	err := discoverAssociations(context.Background(), nil, f.targets, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrMonitor))

	// The target was never asked to join.
	assert.Empty(t, f.clients["sta1"].ExecCalls)
}

func TestDiscoverAssociationsJoinFailure(t *testing.T) {
	f := newDiscoveryFixture([]string{"mon1"}, []string{"sta1", "sta2"})
	f.clients["mon1"].HandleProcess(`tshark -T fields`, sshtest.ProcessScript{
		Stdout:         []byte("wlan.fixed.aid\n0x0001\n"),
		BlockUntilKill: true,
	})
	f.clients["sta2"].Handle(`nmcli`, sshtest.Response{ExitCode: 4})

	cfg := &Config{SSID: "testbed", BSSID: testBSSID}
	err := discoverAssociations(context.Background(), f.monitors, f.targets, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrMonitor))
	assert.Contains(t, err.Error(), "failed to join")

	// No AID assignment happened on the monitor.
	assert.Empty(t, f.clients["mon1"].ExecCalls)
}

func TestDiscoverAssociationsUnsupportedDriver(t *testing.T) {
	f := newDiscoveryFixture([]string{"mon1"}, []string{"sta1"})
	f.monitors[0].WifiDriver = "rtl8812au"
	f.clients["mon1"].HandleProcess(`tshark -T fields`, sshtest.ProcessScript{
		Stdout: []byte("wlan.fixed.aid\n0x0001\n"),
	})

	cfg := &Config{SSID: "testbed", BSSID: testBSSID}
	err := discoverAssociations(context.Background(), f.monitors, f.targets, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrMonitor))
	assert.Contains(t, err.Error(), "rtl8812au")
}

func TestDiscoverAssociationsCaptureExits(t *testing.T) {
	f := newDiscoveryFixture([]string{"mon1"}, []string{"sta1"})
	f.clients["mon1"].HandleProcess(`tshark -T fields`, sshtest.ProcessScript{
		Stderr:   []byte("tshark: mon0: No such device exists"),
		ExitCode: 2,
	})

	cfg := &Config{SSID: "testbed", BSSID: testBSSID}
	err := discoverAssociations(context.Background(), f.monitors, f.targets, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("exited with code %d", 2))
}
