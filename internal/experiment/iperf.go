// Package experiment contains the measurement scripts built on top of the
// fleet/capture/monitor core: coordinated iperf runs with passive wireless
// monitoring, and artifact collection into a per-run results directory.
package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/await"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
	"github.com/wlantb/wtb/internal/monitor"
	"gopkg.in/yaml.v3"
)

// ServerStartDelay is how long clients wait after the iperf servers were
// launched before connecting. There is no cheap readiness signal for a
// remote iperf3 listener over the command channel, so this stays a fixed,
// overridable delay.
var ServerStartDelay = 1 * time.Second

// ServerExitBackstop bounds how long the script waits for the one-shot
// servers to exit after all clients finished; past it the servers are
// killed and the run reports an error.
var ServerExitBackstop = 1 * time.Second

// captureLeeway extends the monitor capture beyond the iperf duration so the
// capture brackets the whole transfer.
const captureLeeway = 4 * time.Second

// Direction of an iperf test relative to the clients.
type Direction int

const (
	Uplink Direction = iota
	Downlink
	Bidir
)

// ParseDirection parses a CLI direction value.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "uplink":
		return Uplink, nil
	case "downlink":
		return Downlink, nil
	case "bidir":
		return Bidir, nil
	default:
		return 0, errors.New(errors.ErrConfig,
			fmt.Sprintf("Unknown direction '%s'", s),
			"Use one of: uplink, downlink, bidir")
	}
}

// MarshalYAML renders the direction as its CLI name in argument dumps.
func (d Direction) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d Direction) String() string {
	switch d {
	case Uplink:
		return "uplink"
	case Downlink:
		return "downlink"
	case Bidir:
		return "bidir"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// iperfFlag returns the iperf3 client flag selecting the test direction.
func (d Direction) iperfFlag() string {
	switch d {
	case Downlink:
		return "-R"
	case Bidir:
		return "--bidir"
	default:
		return ""
	}
}

// IperfConfig describes a coordinated iperf experiment.
type IperfConfig struct {
	// Server is the host id where the iperf servers run (the access point).
	Server string `yaml:"server"`
	// Clients are the host ids that run iperf clients.
	Clients []string `yaml:"clients"`
	// Monitors are the host ids that capture the wireless traffic.
	Monitors []string `yaml:"monitors"`
	// Direction of the test relative to the clients.
	Direction Direction `yaml:"direction"`
	// Duration of the transfer.
	Duration time.Duration `yaml:"duration"`
	// UDP selects UDP instead of TCP.
	UDP bool `yaml:"udp"`
	// TotalThroughput in bits per second across all clients, divided equally.
	// Zero means unlimited.
	TotalThroughput uint64 `yaml:"total_throughput"`
	// MCS configures the access point bitrates, in the format of
	// `iw dev <if> set bitrates <mcs...>`. "auto" resets to automatic;
	// empty sets nothing.
	MCS string `yaml:"mcs,omitempty"`
	// FrequencyMHz/BandwidthMHz the access point transmits on.
	FrequencyMHz uint32 `yaml:"frequency_mhz"`
	BandwidthMHz uint32 `yaml:"bandwidth_mhz"`
	// SSID/BSSID identify the network being measured.
	SSID  string `yaml:"ssid"`
	BSSID string `yaml:"bssid"`
	// DiscoverAssociations runs AID discovery before capturing.
	DiscoverAssociations bool `yaml:"discover_associations"`
}

// firstIperfPort is where per-client server ports start counting from.
const firstIperfPort = 5000

// RunIperf executes the iperf experiment: starts the monitoring run, fans
// one-shot iperf servers out on the access point, drives one client per
// sender host, writes every artifact into outDir and waits for the captures.
func RunIperf(ctx context.Context, reg *fleet.Registry, cfg IperfConfig, outDir string) error {
	senders, err := reg.GetMany(cfg.Clients)
	if err != nil {
		return err
	}

	ap := reg.Get(cfg.Server)
	if ap == nil {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Access point id '%s' not found", cfg.Server),
			"Check the id against the hosts file")
	}
	if ap.Interface == "" {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Access point '%s' has no measurement interface configured", ap.ID),
			"Set 'interface:' on the host entry")
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Could not create results directory", "")
	}
	// Keep the run's parameters next to its artifacts.
	if err := dumpArguments(cfg, filepath.Join(outDir, "arguments.yaml")); err != nil {
		return err
	}

	serverIP, err := lookupInterfaceIP(ap)
	if err != nil {
		return err
	}

	if cfg.MCS != "" {
		if err := setBitrates(ap, cfg.MCS); err != nil {
			return err
		}
	}

	mon, err := monitor.Start(ctx, reg, monitor.Config{
		SSID:     cfg.SSID,
		BSSID:    cfg.BSSID,
		Monitors: cfg.Monitors,
		Targets:  cfg.Clients,
		// Extra leeway so the capture brackets the whole transfer.
		Duration:             cfg.Duration + captureLeeway,
		OutputDir:            outDir,
		DiscoverAssociations: cfg.DiscoverAssociations,
		FrequencyMHz:         cfg.FrequencyMHz,
		BandwidthMHz:         cfg.BandwidthMHz,
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrMonitor,
			"Failed to start monitoring", "")
	}

	// One one-shot server per client, each on its own port.
	logrus.Info("Starting iperf servers")
	serverHosts := make([]*fleet.Host, len(senders))
	for i := range serverHosts {
		serverHosts[i] = ap
	}
	serverPort := firstIperfPort
	serverDone := await.Go(func() error {
		_, err := fleet.RunAll(ctx, serverHosts, func(*fleet.Host) string {
			serverPort++
			return fmt.Sprintf("iperf3 -s --bind-dev %s -p %d -1", ap.Interface, serverPort)
		})
		return err
	})

	time.Sleep(ServerStartDelay)

	logrus.Info("Starting iperf clients")
	clientPort := firstIperfPort
	perClientThroughput := uint64(0)
	if len(senders) > 0 {
		perClientThroughput = cfg.TotalThroughput / uint64(len(senders))
	}
	results, err := fleet.RunAll(ctx, senders, func(h *fleet.Host) string {
		if h.Interface == "" {
			logrus.WithField("host", h.ID).Warn("Host does not have an interface set in the hosts file")
		}
		clientPort++
		return clientCommand(h, serverIP, clientPort, perClientThroughput, cfg.UDP, cfg.Direction, cfg.Duration)
	})
	if err != nil {
		// The producer side broke; stop monitoring instead of letting the
		// captures run out their clock.
		mon.Abort()
		return err
	}

	if err := writeArtifacts(results, outDir); err != nil {
		return err
	}

	logrus.Info("Waiting for capture to finish")
	if _, err := mon.Wait(); err != nil {
		return err
	}

	logrus.Debug("Waiting for iperf servers to finish")
	if err := await.WithTimeout(serverDone, ServerExitBackstop); err != nil {
		if err == await.ErrTimeout {
			// Close the remaining iperf sessions before reporting.
			_, _, _, _ = ap.Client.Exec("killall iperf3")
			return errors.New(errors.ErrExec,
				"AP iperf servers did not close correctly; remaining sessions killed", "")
		}
		return errors.WrapWithCode(err, errors.ErrExec,
			"iperf servers on the AP failed", "")
	}

	RenderSummary(os.Stdout, results)
	return nil
}

// clientCommand builds one iperf3 client invocation.
func clientCommand(h *fleet.Host, serverIP string, port int, throughput uint64, udp bool, dir Direction, duration time.Duration) string {
	cmd := fmt.Sprintf("iperf3 -c %s -p %d -t %d", serverIP, port, int(duration.Seconds()))
	if h.Interface != "" {
		cmd += " --bind-dev " + h.Interface
	}
	cmd += fmt.Sprintf(" -b %d", throughput)
	if udp {
		cmd += " -u"
	}
	if flag := dir.iperfFlag(); flag != "" {
		cmd += " " + flag
	}
	return cmd
}

// lookupInterfaceIP resolves the IPv4 address of the AP's measurement
// interface over the live connection.
func lookupInterfaceIP(ap *fleet.Host) (string, error) {
	logrus.Debug("Getting server ip")

	cmd := fmt.Sprintf("ip -4 a show %s | awk '/inet/ {print $2}' | cut -d/ -f1", ap.Interface)
	stdout, _, exitCode, err := ap.Client.Exec(cmd)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrExec,
			"Failed to get IP address of server", "")
	}
	if exitCode != 0 {
		return "", errors.New(errors.ErrExec,
			fmt.Sprintf("Failed to get IP address of server: exit code %d", exitCode), "")
	}

	ip := strings.TrimSpace(string(stdout))
	if ip == "" {
		return "", errors.New(errors.ErrExec,
			"Failed to get IP address of server: empty output",
			"Check the interface name on the access point host entry")
	}
	logrus.Debugf("Found server ip: %s", ip)
	return ip, nil
}

// setBitrates configures the MCS on the access point radio. "auto" clears
// the configured bitrates.
func setBitrates(ap *fleet.Host, mcs string) error {
	logrus.Debug("Setting MCS")

	value := mcs
	if value == "auto" {
		value = ""
	}
	cmd := fmt.Sprintf("sudo iw dev %s set bitrates %s", apRadioInterface, value)

	stdout, stderr, exitCode, err := ap.Client.Exec(cmd)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec, "Failed to set MCS", "")
	}
	if exitCode != 0 {
		logrus.WithFields(logrus.Fields{
			"stdout": string(stdout),
			"stderr": string(stderr),
		}).Debug("Failed to set MCS")
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Setting MCS exited with code %d", exitCode), "")
	}
	return nil
}

// apRadioInterface is the AP-side radio interface bitrates are set on.
// TODO: read this from the AP's host entry once OpenWrt exposes it reliably.
const apRadioInterface = "phy1-ap0"

// writeArtifacts stores every client's stdout (and stderr when present)
// under outDir, one file per host, created exclusively so reruns into the
// same directory fail instead of clobbering results.
func writeArtifacts(results []fleet.Result, outDir string) error {
	for _, res := range results {
		if !res.Success() {
			logrus.WithField("host", res.Host.ID).Error("Iperf failed")
		}

		if err := writeExclusive(filepath.Join(outDir, res.Host.ID+".txt"), res.Stdout); err != nil {
			return err
		}
		if len(res.Stderr) > 0 {
			if err := writeExclusive(filepath.Join(outDir, res.Host.ID+".stderr.txt"), res.Stderr); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Could not create artifact file: "+path, "")
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Could not write artifact file: "+path, "")
	}
	return nil
}

// dumpArguments serializes the experiment parameters so a results directory
// is self-describing.
func dumpArguments(cfg IperfConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to serialize experiment arguments", "")
	}
	return writeExclusive(path, data)
}
