// Package wifi wraps the wireless operations the controller performs on
// remote hosts: joining a network, tuning a monitor radio, and pushing an
// association id into the monitor driver.
package wifi

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
)

// Associate connects a host to a wireless network, optionally with a
// password. Success or failure is communicated by exit status only.
func Associate(ctx context.Context, host *fleet.Host, ssid, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := fmt.Sprintf("sudo nmcli device wifi connect %s", ssid)
	if password != "" {
		cmd += " password " + password
	}

	_, _, exitCode, err := host.Client.Exec(cmd)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Failed to run network join on '%s'", host.ID), "")
	}
	if exitCode != 0 {
		logrus.WithField("host", host.ID).Error("failed to connect to Wi-Fi network")
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Connecting '%s' to Wi-Fi network exited with code %d", host.ID, exitCode),
			"Check the SSID is in range and credentials are right")
	}
	return nil
}

// SetChannel tunes a monitor-mode interface to a frequency and channel width.
func SetChannel(ctx context.Context, host *fleet.Host, iface string, freqMHz, widthMHz uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := fmt.Sprintf("sudo iw dev %s set freq %d %d", iface, freqMHz, widthMHz)
	_, stderr, exitCode, err := host.Client.Exec(cmd)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Failed to tune radio on '%s'", host.ID), "")
	}
	if exitCode != 0 {
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Tuning radio on '%s' exited with code %d: %s", host.ID, exitCode, stderr),
			"Check the interface is in monitor mode and the frequency is valid")
	}
	return nil
}
