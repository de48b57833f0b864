package cli

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wlantb/wtb/internal/experiment"
	"github.com/wlantb/wtb/internal/fleet"
	"github.com/wlantb/wtb/internal/monitor"
	"github.com/wlantb/wtb/internal/provision"
)

// Command-specific flags
var (
	monSSID      string
	monBSSID     string
	monPassword  string
	monMonitors  []string
	monTargets   []string
	monInterface string
	monDuration  time.Duration
	monOutput    string
	monDiscover  bool
	monFrequency uint32
	monBandwidth uint32

	ipfServer     string
	ipfClients    []string
	ipfMonitors   []string
	ipfDirection  string
	ipfDuration   time.Duration
	ipfUDP        bool
	ipfThroughput uint64
	ipfMCS        string
	ipfFrequency  uint32
	ipfBandwidth  uint32
	ipfSSID       string
	ipfBSSID      string
	ipfDiscover   bool
	ipfOut        string

	dlAP         string
	dlMonitors   []string
	dlDuration   time.Duration
	dlUDP        bool
	dlThroughput uint64
	dlMCS        string
	dlFrequency  uint32
	dlBandwidth  uint32
	dlSSID       string
	dlBSSID      string
	dlDiscover   bool
	dlOut        string
)

// defaultResultsDir returns a fresh per-run results directory.
func defaultResultsDir() string {
	return fmt.Sprintf("results/%d", time.Now().Unix())
}

// monitorCmd runs a standalone monitoring session without traffic generation.
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run a passive monitoring session on the monitor hosts",
	Long: `Start passive captures on every monitor host, optionally preceded by
association-id discovery while the target hosts join the network.

Examples:
  wtb monitor --ssid OpenWrt --bssid 10:7c:61:df:7a:d2 --monitors mon1 --targets sta1,sta2 -d 15s
  wtb monitor --ssid OpenWrt --bssid 10:7c:61:df:7a:d2 --monitors mon1 --targets sta1 --discover-aids`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		out := monOutput
		if out == "" {
			out = defaultResultsDir()
		}

		mon, err := monitor.Start(cmd.Context(), reg, monitor.Config{
			SSID:                 monSSID,
			BSSID:                monBSSID,
			Password:             monPassword,
			Monitors:             monMonitors,
			Targets:              monTargets,
			Interface:            monInterface,
			Duration:             monDuration,
			OutputDir:            out,
			DiscoverAssociations: monDiscover,
			FrequencyMHz:         monFrequency,
			BandwidthMHz:         monBandwidth,
		})
		if err != nil {
			return err
		}

		captures, err := mon.Wait()
		if err != nil {
			return err
		}
		for id, cap := range captures {
			logrus.WithFields(logrus.Fields{
				"host": id,
				"path": cap.Path(),
			}).Info("Capture complete")
		}
		return nil
	},
}

// iperfCmd runs a coordinated iperf experiment with monitoring.
var iperfCmd = &cobra.Command{
	Use:   "iperf",
	Short: "Run a monitored iperf experiment",
	Long: `Run iperf clients against servers on the access point while monitor
hosts capture the wireless traffic. All artifacts land in the results
directory: per-host throughput logs and one pcapng per monitor.

Examples:
  wtb iperf --server ap --clients sta1,sta2 --monitors mon1 -F 5580 -B 80 --ssid OpenWrt --bssid 10:7c:61:df:7a:d2 -U -T 60000000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, err := experiment.ParseDirection(ipfDirection)
		if err != nil {
			return err
		}

		reg, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		out := ipfOut
		if out == "" {
			out = defaultResultsDir()
		}

		return experiment.RunIperf(cmd.Context(), reg, experiment.IperfConfig{
			Server:               ipfServer,
			Clients:              ipfClients,
			Monitors:             ipfMonitors,
			Direction:            direction,
			Duration:             ipfDuration,
			UDP:                  ipfUDP,
			TotalThroughput:      ipfThroughput,
			MCS:                  ipfMCS,
			FrequencyMHz:         ipfFrequency,
			BandwidthMHz:         ipfBandwidth,
			SSID:                 ipfSSID,
			BSSID:                ipfBSSID,
			DiscoverAssociations: ipfDiscover,
		}, out)
	},
}

// downlinkCmd saturates every non-monitor host with downlink traffic.
var downlinkCmd = &cobra.Command{
	Use:   "downlink",
	Short: "Run a monitored downlink saturation experiment",
	Long: `Send traffic from the access point to every host that is neither the
AP, a monitor, nor excluded from monitoring, while monitor hosts capture.

Examples:
  wtb downlink --ap ap --monitors mon1 --ssid OpenWrt --bssid 10:7c:61:df:7a:d2 -U -T 120000000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		out := dlOut
		if out == "" {
			out = defaultResultsDir()
		}

		return experiment.RunDownlink(cmd.Context(), reg, experiment.DownlinkConfig{
			AccessPoint:          dlAP,
			Monitors:             dlMonitors,
			Duration:             dlDuration,
			UDP:                  dlUDP,
			TotalThroughput:      dlThroughput,
			MCS:                  dlMCS,
			FrequencyMHz:         dlFrequency,
			BandwidthMHz:         dlBandwidth,
			SSID:                 dlSSID,
			BSSID:                dlBSSID,
			DiscoverAssociations: dlDiscover,
		}, out)
	},
}

// provisionCmd installs the capture and traffic tooling on the fleet.
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Install capture and traffic tooling on the fleet",
	Long: `Install wireshark (tshark) and iperf3 on every host whose package
manager the controller can drive. Hosts on other systems are skipped with
a warning; install the tooling there manually.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		var installable []*fleet.Host
		for _, h := range reg.All() {
			if !provision.Installable(h.OS) {
				logrus.WithFields(logrus.Fields{
					"host": h.ID,
					"os":   h.OS.String(),
				}).Warn("Skipping host: cannot install packages on this OS")
				continue
			}
			installable = append(installable, h)
		}

		for _, pkg := range []provision.Package{provision.Wireshark, provision.Iperf3} {
			if err := provision.InstallAll(cmd.Context(), installable, pkg); err != nil {
				return err
			}
		}
		return nil
	},
}

// hostsCmd validates the hosts file and connect-checks the whole fleet.
var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Validate the hosts file and check connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		for _, h := range reg.All() {
			driver := h.WifiDriver
			if driver == "" {
				driver = "-"
			}
			fmt.Printf("%-12s %-12s %-20s driver=%s\n",
				h.ID, h.OS.String(), h.Client.GetAddress(), driver)
		}
		return nil
	},
}

func init() {
	f := monitorCmd.Flags()
	f.StringVar(&monSSID, "ssid", "", "SSID of the network to monitor")
	f.StringVar(&monBSSID, "bssid", "", "BSSID of the network to monitor")
	f.StringVar(&monPassword, "password", "", "network password for joining targets")
	f.StringSliceVar(&monMonitors, "monitors", nil, "host ids that capture traffic")
	f.StringSliceVar(&monTargets, "targets", nil, "host ids to monitor")
	f.StringVar(&monInterface, "interface", monitor.DefaultInterface, "monitor-mode interface name")
	f.DurationVarP(&monDuration, "duration", "d", 10*time.Second, "capture duration")
	f.StringVarP(&monOutput, "out", "o", "", "output directory (default results/<timestamp>)")
	f.BoolVar(&monDiscover, "discover-aids", false, "discover and assign association ids before capturing")
	f.Uint32VarP(&monFrequency, "frequency", "F", 0, "radio frequency in MHz (0 leaves radios untouched)")
	f.Uint32VarP(&monBandwidth, "bandwidth", "B", 0, "radio channel width in MHz")
	_ = monitorCmd.MarkFlagRequired("monitors")

	f = iperfCmd.Flags()
	f.StringVar(&ipfServer, "server", "", "host id running the iperf servers")
	f.StringSliceVar(&ipfClients, "clients", nil, "host ids running iperf clients")
	f.StringSliceVar(&ipfMonitors, "monitors", nil, "host ids that capture traffic")
	f.StringVarP(&ipfDirection, "direction", "D", "downlink", "test direction: uplink, downlink, bidir")
	f.DurationVarP(&ipfDuration, "duration", "d", 10*time.Second, "transfer duration")
	f.BoolVarP(&ipfUDP, "udp", "U", false, "use UDP")
	f.Uint64VarP(&ipfThroughput, "throughput", "T", 0, "total client throughput in bits/s (0 unlimited)")
	f.StringVar(&ipfMCS, "mcs", "", "MCS bitrates for the AP, 'auto' to reset")
	f.Uint32VarP(&ipfFrequency, "frequency", "F", 0, "AP frequency in MHz")
	f.Uint32VarP(&ipfBandwidth, "bandwidth", "B", 0, "AP channel width in MHz")
	f.StringVar(&ipfSSID, "ssid", "", "SSID of the access point")
	f.StringVar(&ipfBSSID, "bssid", "", "BSSID of the access point")
	f.BoolVar(&ipfDiscover, "discover-aids", true, "discover and assign association ids before capturing")
	f.StringVarP(&ipfOut, "out", "o", "", "results directory (default results/<timestamp>)")
	_ = iperfCmd.MarkFlagRequired("server")
	_ = iperfCmd.MarkFlagRequired("clients")
	_ = iperfCmd.MarkFlagRequired("monitors")

	f = downlinkCmd.Flags()
	f.StringVar(&dlAP, "ap", "", "host id of the wireless access point")
	f.StringSliceVar(&dlMonitors, "monitors", nil, "host ids that capture traffic")
	f.DurationVarP(&dlDuration, "duration", "d", 10*time.Second, "transfer duration")
	f.BoolVarP(&dlUDP, "udp", "U", false, "use UDP")
	f.Uint64VarP(&dlThroughput, "throughput", "T", 0, "total throughput in bits/s (0 unlimited)")
	f.StringVar(&dlMCS, "mcs", "", "MCS bitrates for the AP, 'auto' to reset")
	f.Uint32VarP(&dlFrequency, "frequency", "F", 0, "AP frequency in MHz")
	f.Uint32VarP(&dlBandwidth, "bandwidth", "B", 0, "AP channel width in MHz")
	f.StringVar(&dlSSID, "ssid", "", "SSID of the access point")
	f.StringVar(&dlBSSID, "bssid", "", "BSSID of the access point")
	f.BoolVar(&dlDiscover, "discover-aids", true, "discover and assign association ids before capturing")
	f.StringVarP(&dlOut, "out", "o", "", "results directory (default results/<timestamp>)")
	_ = downlinkCmd.MarkFlagRequired("ap")
	_ = downlinkCmd.MarkFlagRequired("monitors")
}
