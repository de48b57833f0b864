// Package provision installs the remote tooling experiments depend on.
package provision

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
	"golang.org/x/sync/errgroup"
)

// Package identifies a remote tool the controller can install.
type Package int

const (
	// Wireshark provides the tshark capture tool.
	Wireshark Package = iota
	// Iperf3 provides the traffic generator used by experiments.
	Iperf3
)

func (p Package) String() string {
	switch p {
	case Wireshark:
		return "wireshark"
	case Iperf3:
		return "iperf3"
	default:
		return fmt.Sprintf("Package(%d)", int(p))
	}
}

// Installable reports whether the controller can drive package installation
// on the given OS. Only Ubuntu qualifies; NixOS manages packages
// declaratively and anything else is unknown territory.
func Installable(os fleet.OSKind) bool {
	return os.IsUbuntu()
}

// OSPackageName returns the package's name in the host OS's package manager,
// or false when the OS is not one the controller knows package names for.
// A known name does not mean the controller can install it; see Installable.
func OSPackageName(p Package, os fleet.OSKind) (string, bool) {
	if os.IsOther() {
		return "", false
	}

	switch p {
	case Wireshark:
		return "wireshark", true
	case Iperf3:
		return "iperf3", true
	default:
		return "", false
	}
}

// Install installs a package on a host if it is not yet present. Hosts
// whose OS is not Installable are a hard error.
func Install(ctx context.Context, host *fleet.Host, pkg Package) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name, ok := OSPackageName(pkg, host.OS)
	if !ok {
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Package %s is not available for the OS of '%s' (%s)", pkg, host.ID, host.OS),
			"")
	}

	switch {
	case host.OS.IsUbuntu():
		cmd := fmt.Sprintf("sudo apt-get --quiet install %s -y", name)
		stdout, stderr, exitCode, err := host.Client.Exec(cmd)
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrExec,
				fmt.Sprintf("Package installation failed on '%s'", host.ID), "")
		}
		logrus.WithFields(logrus.Fields{
			"host": host.ID,
			"os":   host.OS.String(),
		}).Debugf("Package installation output: %s%s", stdout, stderr)
		if exitCode != 0 {
			return errors.New(errors.ErrExec,
				fmt.Sprintf("Installing %s on '%s' exited with code %d", name, host.ID, exitCode),
				"")
		}
		return nil
	default:
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Trying to install packages on unsupported OS (%s) on '%s'", host.OS, host.ID),
			"Install the tooling manually on this host")
	}
}

// InstallAll installs a package concurrently on every given host. The first
// failure fails the whole operation.
func InstallAll(ctx context.Context, hosts []*fleet.Host, pkg Package) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range hosts {
		h := h
		g.Go(func() error {
			return Install(ctx, h, pkg)
		})
	}
	return g.Wait()
}
