package monitor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
	"github.com/wlantb/wtb/internal/wifi"
	"golang.org/x/sync/errgroup"
)

// discoveryCommand builds the capture-and-filter command the discovery host
// runs. The filter is applied at capture time, not post-hoc: only association
// response frames from the network's BSSID ever leave the radio, which
// bounds the output to one line per joining target. The capture stops itself
// after the discovery window.
func discoveryCommand(iface, bssid string, windowSecs int) string {
	return fmt.Sprintf(
		`sudo tshark -T fields -e wlan.fixed.aid --interface %s -f "type mgt subtype assoc-resp and wlan src %s" --autostop duration:%d`,
		iface, bssid, windowSecs)
}

// discoverAssociations determines which association id each target host
// received when joining the network and pushes the ids into the monitor
// radios. Single pass, no retries: any failure (a target that can't join,
// unparsable capture output, fewer ids than monitor hosts, an unsupported
// driver) fails the whole discovery.
func discoverAssociations(ctx context.Context, monitors, targets []*fleet.Host, cfg *Config) error {
	if len(monitors) == 0 {
		return errors.New(errors.ErrMonitor,
			"Monitoring requires at least one monitor host",
			"Add a monitor host id to the configuration")
	}

	window := cfg.DiscoveryWindow
	if window <= 0 {
		window = DefaultDiscoveryWindow
	}

	disc := monitors[0]
	logrus.WithField("host", disc.ID).Debug("Listening for association ids")

	proc, err := disc.Client.Start(discoveryCommand(cfg.iface(), cfg.BSSID, int(window.Seconds())))
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrMonitor,
			fmt.Sprintf("Failed to start AID discovery capture on '%s'", disc.ID), "")
	}

	// Join every target to the network while the discovery capture runs, so
	// the association responses land in the filtered capture. All targets
	// must report success; no partial credit.
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			return wifi.Associate(gctx, target, cfg.SSID, cfg.Password)
		})
	}
	if err := g.Wait(); err != nil {
		proc.Kill()
		return errors.WrapWithCode(err, errors.ErrMonitor,
			"A target host failed to join the network", "")
	}

	out, err := io.ReadAll(proc.Stdout())
	if err != nil {
		proc.Kill()
		return errors.WrapWithCode(err, errors.ErrMonitor,
			"Failed to read AID discovery output", "")
	}
	exitCode, err := proc.Wait()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrMonitor,
			fmt.Sprintf("AID discovery capture on '%s' failed", disc.ID), "")
	}
	if exitCode != 0 {
		return errors.New(errors.ErrMonitor,
			fmt.Sprintf("AID discovery capture on '%s' exited with code %d: %s",
				disc.ID, exitCode, proc.StderrBytes()), "")
	}

	aids, err := parseAIDs(string(out))
	if err != nil {
		return err
	}

	// Identifier i belongs to monitor host i. Extra identifiers beyond the
	// monitor count are discarded; a shortfall is an explicit error, never a
	// placeholder id.
	if len(aids) < len(monitors) {
		return errors.New(errors.ErrMonitor,
			fmt.Sprintf("Discovered %d association ids for %d monitor hosts", len(aids), len(monitors)),
			"Check all targets joined within the discovery window")
	}

	for i, h := range monitors {
		if err := wifi.SetAssociationID(ctx, h, aids[i], cfg.BSSID); err != nil {
			return err
		}
	}
	return nil
}

// parseAIDs parses the discovery capture's text output: a header line
// followed by one association id per matched frame, decimal or 0x-prefixed,
// interpreted as base-16 16-bit unsigned integers in the order received.
// Any unparsable line fails the whole parse.
func parseAIDs(out string) ([]uint16, error) {
	lines := strings.Split(out, "\n")
	if len(lines) > 0 {
		lines = lines[1:] // header
	}

	var aids []uint16
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(line, "0x"), 16, 16)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrMonitor,
				fmt.Sprintf("Could not parse association id %q", line), "")
		}
		aids = append(aids, uint16(v))
	}
	return aids, nil
}
