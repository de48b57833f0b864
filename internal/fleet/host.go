// Package fleet manages the collection of remote testbed hosts: connecting
// to all of them at once, resolving ids to live hosts, and fanning commands
// out across subsets of the fleet.
package fleet

import (
	"strings"

	"github.com/wlantb/wtb/pkg/sshutil"
)

// Host is one reachable machine in the testbed. Immutable once connected;
// shared by pointer across every component that references it. The underlying
// SSH connection multiplexes concurrent commands, so no external locking is
// needed to issue commands from multiple goroutines.
type Host struct {
	// ID uniquely identifies the host in experiments.
	ID string

	// Client is the open SSH connection to the host.
	Client sshutil.SSHClient

	// OS is the operating system detected at connect time.
	OS OSKind

	// WifiDriver is the wireless driver name from the hosts file, empty if unset.
	WifiDriver string

	// Interface is the measurement interface name from the hosts file.
	Interface string

	// MonitorExcluded marks hosts that should not generate traffic.
	MonitorExcluded bool
}

// osID enumerates the operating systems the controller knows how to handle.
type osID int

const (
	osOther osID = iota
	osNixOS
	osUbuntu
)

// OSKind is a closed variant over the operating systems found on testbed
// machines. Unrecognized systems fall into the "other" case and carry the
// raw DISTRIB_ID value for diagnostics.
type OSKind struct {
	id  osID
	raw string
}

var (
	// OSNixOS is a NixOS machine.
	OSNixOS = OSKind{id: osNixOS}
	// OSUbuntu is an Ubuntu machine.
	OSUbuntu = OSKind{id: osUbuntu}
)

// OtherOS returns the fallback kind carrying the unrecognized raw identifier.
func OtherOS(raw string) OSKind {
	return OSKind{id: osOther, raw: raw}
}

// IsNixOS reports whether the host runs NixOS.
func (k OSKind) IsNixOS() bool { return k.id == osNixOS }

// IsUbuntu reports whether the host runs Ubuntu.
func (k OSKind) IsUbuntu() bool { return k.id == osUbuntu }

// IsOther reports whether the OS is not one of the known operating systems.
func (k OSKind) IsOther() bool { return k.id == osOther }

func (k OSKind) String() string {
	switch k.id {
	case osNixOS:
		return "NixOS"
	case osUbuntu:
		return "Ubuntu"
	default:
		if k.raw == "" {
			return "Other OS"
		}
		return "Other OS (" + k.raw + ")"
	}
}

// osKindFromDistribID maps a DISTRIB_ID value onto the known variants.
func osKindFromDistribID(id string) OSKind {
	switch id {
	case "nixos":
		return OSNixOS
	case "Ubuntu":
		return OSUbuntu
	default:
		return OtherOS(id)
	}
}

// probeOS reads the release-info files over a fresh connection and derives
// the OS kind from the DISTRIB_ID field. Hosts without the field (or whose
// release files can't be read) come back as OtherOS.
func probeOS(client sshutil.SSHClient) (OSKind, error) {
	stdout, _, _, err := client.Exec("cat /etc/*-release")
	if err != nil {
		return OSKind{}, err
	}
	return parseDistribID(string(stdout)), nil
}

func parseDistribID(releaseInfo string) OSKind {
	for _, line := range strings.Split(releaseInfo, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "DISTRIB_ID") {
			return osKindFromDistribID(strings.TrimSpace(value))
		}
	}
	return OtherOS("")
}
