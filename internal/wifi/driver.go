package wifi

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
)

// driverID enumerates the wireless drivers with an AID-assignment routine.
type driverID int

const (
	driverOther driverID = iota
	driverIwlwifi
)

// Driver is a closed variant over known wireless drivers, with a fallback
// carrying the raw driver string for diagnostics.
type Driver struct {
	id  driverID
	raw string
}

// Iwlwifi is the Intel wireless driver, currently the only one that supports
// manually setting an association id on a sniffer radio.
var Iwlwifi = Driver{id: driverIwlwifi}

// DriverFromString parses a hosts-file driver name.
func DriverFromString(name string) Driver {
	switch name {
	case "iwlwifi":
		return Iwlwifi
	default:
		return Driver{id: driverOther, raw: name}
	}
}

func (d Driver) String() string {
	switch d.id {
	case driverIwlwifi:
		return "iwlwifi"
	default:
		if d.raw == "" {
			return "unknown"
		}
		return d.raw
	}
}

// SetAssociationID pushes an association id and BSSID into the monitor
// host's wireless driver so a radio without full 802.11 state tracking can
// decode frames destined to that specific peer. Any driver without an
// AID routine is a hard failure naming the driver and host.
func SetAssociationID(ctx context.Context, host *fleet.Host, aid uint16, bssid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	driver := DriverFromString(host.WifiDriver)
	switch driver.id {
	case driverIwlwifi:
		return iwlwifiSetAID(host, aid, bssid)
	default:
		return errors.New(errors.ErrMonitor,
			fmt.Sprintf("Cannot set association id for unsupported driver (%s) on host '%s'",
				driver, host.ID),
			"Only iwlwifi monitor radios support AID assignment")
	}
}

// iwlwifiSetAID writes the sniffer parameters through debugfs.
// The AID must be rendered in hexadecimal.
func iwlwifiSetAID(host *fleet.Host, aid uint16, bssid string) error {
	logrus.WithFields(logrus.Fields{
		"host": host.ID,
		"aid":  aid,
	}).Debug("Changing association id on monitor host")

	cmd := fmt.Sprintf(
		"sudo sh -c 'echo %x %s > /sys/kernel/debug/iwlwifi/*/iwlmvm/he_sniffer_params'",
		aid, bssid)

	_, stderr, exitCode, err := host.Client.Exec(cmd)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Failed to change AID on '%s'", host.ID), "")
	}
	if exitCode != 0 {
		return errors.New(errors.ErrMonitor,
			fmt.Sprintf("Changing AID on '%s' exited with code %d: %s", host.ID, exitCode, stderr),
			"Check debugfs is mounted and the user can sudo")
	}
	return nil
}
