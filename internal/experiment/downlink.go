package experiment

import (
	"context"
	"time"

	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
)

// DownlinkConfig describes a downlink saturation experiment: every host
// that is neither the access point, nor a monitor, nor excluded from
// traffic generation receives traffic from the access point.
type DownlinkConfig struct {
	// AccessPoint is the host id of the wireless access point.
	AccessPoint string
	// Monitors are the host ids that capture the wireless traffic.
	Monitors []string
	// Duration of the transfer.
	Duration time.Duration
	// UDP selects UDP instead of TCP.
	UDP bool
	// TotalThroughput in bits per second across all receivers, 0 unlimited.
	TotalThroughput uint64
	// MCS configures the access point bitrates (see IperfConfig.MCS).
	MCS string
	// FrequencyMHz/BandwidthMHz the access point transmits on.
	FrequencyMHz uint32
	BandwidthMHz uint32
	// SSID/BSSID identify the network being measured.
	SSID  string
	BSSID string
	// DiscoverAssociations runs AID discovery before capturing.
	DiscoverAssociations bool
}

// RunDownlink derives the receiver set from the registry and delegates to
// the iperf script with a fixed downlink direction.
func RunDownlink(ctx context.Context, reg *fleet.Registry, cfg DownlinkConfig, outDir string) error {
	excluded := append([]string{cfg.AccessPoint}, cfg.Monitors...)

	var receivers []string
	for _, h := range reg.AllExcept(excluded) {
		if h.MonitorExcluded {
			continue
		}
		receivers = append(receivers, h.ID)
	}
	if len(receivers) == 0 {
		return errors.New(errors.ErrConfig,
			"No hosts left to receive downlink traffic",
			"Every host is the AP, a monitor, or excluded from monitoring")
	}

	return RunIperf(ctx, reg, IperfConfig{
		Server:               cfg.AccessPoint,
		Clients:              receivers,
		Monitors:             cfg.Monitors,
		Direction:            Downlink,
		Duration:             cfg.Duration,
		UDP:                  cfg.UDP,
		TotalThroughput:      cfg.TotalThroughput,
		MCS:                  cfg.MCS,
		FrequencyMHz:         cfg.FrequencyMHz,
		BandwidthMHz:         cfg.BandwidthMHz,
		SSID:                 cfg.SSID,
		BSSID:                cfg.BSSID,
		DiscoverAssociations: cfg.DiscoverAssociations,
	}, outDir)
}
