// Package cli wires the controller's commands together: hosts-file loading,
// fleet connection, logging setup, and one cobra command per operation.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wlantb/wtb/internal/config"
	"github.com/wlantb/wtb/internal/fleet"
	"github.com/wlantb/wtb/pkg/sshutil"
)

// Global flags
var (
	hostsFileFlag    string
	logLevelFlag     string
	insecureKeysFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "wtb",
	Short: "Controller for Wi-Fi testbed experiments and benchmarks",
	Long: `wtb drives a fleet of testbed machines over SSH: it points monitor
hosts at a wireless network, generates traffic between the others, and
collects every capture and throughput log into a single results directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevelFlag)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevelFlag, err)
		}
		logrus.SetLevel(level)

		if insecureKeysFlag {
			sshutil.StrictHostKeyChecking = false
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&hostsFileFlag, "hosts", "H", config.DefaultHostsFile,
		"hosts configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevelFlag, "log-level", "L", "info",
		"logging verbosity: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&insecureKeysFlag, "insecure-host-keys", false,
		"skip known_hosts verification (lab automation only)")

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(iperfCmd)
	rootCmd.AddCommand(downlinkCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(versionCmd)
}

// connectFleet loads the hosts file and opens the whole registry.
// The caller owns the returned registry and must Close it.
func connectFleet(cmd *cobra.Command) (*fleet.Registry, error) {
	cfg, err := config.Load(hostsFileFlag)
	if err != nil {
		return nil, err
	}
	return fleet.Connect(cmd.Context(), cfg, nil)
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	defer sshutil.CloseAgent()

	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err.Error())
		os.Exit(1)
	}
}

// Version info, set from main via SetVersionInfo.
var (
	versionString = "dev"
	commitString  = "none"
	dateString    = "unknown"
)

// SetVersionInfo records build-time version metadata for the version command.
func SetVersionInfo(version, commit, date string) {
	versionString = version
	commitString = commit
	dateString = date
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wtb %s (commit %s, built %s)\n", versionString, commitString, dateString)
	},
}
