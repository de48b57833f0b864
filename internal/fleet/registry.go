package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/config"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/pkg/sshutil"
	"golang.org/x/sync/errgroup"
)

// Dialer opens an SSH connection to a host, optionally through relays.
// Production code uses DialSSH; tests substitute a mock.
type Dialer func(host string, relays []string, timeout time.Duration) (sshutil.SSHClient, error)

// DialSSH is the production Dialer backed by pkg/sshutil.
func DialSSH(host string, relays []string, timeout time.Duration) (sshutil.SSHClient, error) {
	return sshutil.Dial(host, relays, timeout)
}

// Registry is the immutable, validated collection of connected hosts.
// Built once at startup; queries never mutate it, so it is safe to share
// across concurrently running components.
type Registry struct {
	hosts map[string]*Host
	order []string // iteration order, fixed at construction
}

// Connect validates the configuration and opens one SSH connection per host
// concurrently. If any single connection attempt fails, the whole operation
// fails with that error and the remaining attempts are abandoned; no partial
// registry is ever returned.
func Connect(ctx context.Context, cfg *config.Config, dial Dialer) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DialSSH
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	connected := make([]*Host, len(cfg.Hosts))

	g, ctx := errgroup.WithContext(ctx)
	for i, hc := range cfg.Hosts {
		i, hc := i, hc
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			client, err := dial(hc.SSH, hc.Relays, timeout)
			if err != nil {
				return errors.WrapWithCode(err, errors.ErrSSH,
					fmt.Sprintf("Error while opening session to '%s'", hc.ID),
					"")
			}

			os, err := probeOS(client)
			if err != nil {
				client.Close()
				return errors.WrapWithCode(err, errors.ErrSSH,
					fmt.Sprintf("Could not probe OS of '%s'", hc.ID),
					"")
			}

			logrus.WithFields(logrus.Fields{
				"id": hc.ID,
				"os": os.String(),
			}).Info("Successfully connected to host")

			connected[i] = &Host{
				ID:              hc.ID,
				Client:          client,
				OS:              os,
				WifiDriver:      hc.WifiDriver,
				Interface:       hc.Interface,
				MonitorExcluded: hc.MonitorExcluded,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Close whatever did connect; the failed attempt already aborted
		// the construction.
		for _, h := range connected {
			if h != nil {
				h.Client.Close()
			}
		}
		return nil, err
	}

	reg := &Registry{
		hosts: make(map[string]*Host, len(connected)),
		order: make([]string, 0, len(connected)),
	}
	for _, h := range connected {
		reg.hosts[h.ID] = h
		reg.order = append(reg.order, h.ID)
	}
	return reg, nil
}

// Get returns the host with the given id, or nil if unknown.
func (r *Registry) Get(id string) *Host {
	return r.hosts[id]
}

// GetMany resolves ids to hosts in input order. It fails fast on the first
// id (in iteration order) that is not present, identifying it in the error;
// no partial list is ever returned.
func (r *Registry) GetMany(ids []string) ([]*Host, error) {
	hosts := make([]*Host, 0, len(ids))
	for _, id := range ids {
		h, ok := r.hosts[id]
		if !ok {
			return nil, errors.New(errors.ErrConfig,
				fmt.Sprintf("No host with id '%s'", id),
				"Check the id against the hosts file")
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// AllExcept returns every host whose id is not in excluded. Unknown excluded
// ids are silently ignored. The order is the registry's construction order,
// stable for a given registry instance.
func (r *Registry) AllExcept(excluded []string) []*Host {
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	var hosts []*Host
	for _, id := range r.order {
		if !skip[id] {
			hosts = append(hosts, r.hosts[id])
		}
	}
	return hosts
}

// All returns every host in construction order.
func (r *Registry) All() []*Host {
	return r.AllExcept(nil)
}

// Len returns the number of hosts in the registry.
func (r *Registry) Len() int {
	return len(r.hosts)
}

// Close closes every host connection. Called once at process shutdown.
func (r *Registry) Close() {
	for _, id := range r.order {
		r.hosts[id].Client.Close()
	}
}
