/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tunnel contains the data plane of the translator: the tun
// device and uplink sockets, the event loop pumping packets between
// them, and the monitor that tracks uplink address changes.
package tunnel

import (
	"log/slog"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/webmeshproj/clatd/pkg/context"
	"github.com/webmeshproj/clatd/pkg/translate"
)

// Options are the options for creating a new tunnel.
type Options struct {
	// Name is the requested name of the tun interface.
	Name string
	// UplinkInterface is the name of the IPv6 uplink interface.
	UplinkInterface string
	// Prefix is the /96 translation prefix.
	Prefix netip.Prefix
	// LocalV4 is the IPv4 address assigned to the tun interface.
	LocalV4 netip.Addr
	// LocalV6 is the IPv6 source address for translated packets. When
	// unset it is derived from the uplink address by the monitor
	// before traffic flows.
	LocalV6 netip.Addr
	// MTU is the IPv6 MTU of the uplink.
	MTU int
	// DefaultRoute installs the IPv4 default route through the tun
	// interface.
	DefaultRoute bool
}

// Tunnel owns the translator's descriptors and the current addressing
// snapshot. The snapshot is replaced as a whole unit so a packet is
// never translated against mixed old and new state.
type Tunnel struct {
	opts     Options
	tunFd    int
	tunName  string
	uplinkFd int
	rawFd    int
	ifindex  int
	snap     atomic.Pointer[translate.Snapshot]
	log      *slog.Logger
}

// New creates the tun device and uplink sockets and returns the
// assembled tunnel. The tun interface is configured and activated
// before returning.
func New(ctx context.Context, opts Options) (*Tunnel, error) {
	log := context.LoggerFrom(ctx).With(slog.String("component", "tunnel"))
	t := &Tunnel{
		opts:     opts,
		tunFd:    -1,
		uplinkFd: -1,
		rawFd:    -1,
		log:      log,
	}
	var err error
	t.tunFd, t.tunName, err = openTUN(opts.Name)
	if err != nil {
		return nil, err
	}
	if err := configureTUN(ctx, t.tunName, opts.LocalV4, opts.MTU-20, opts.DefaultRoute); err != nil {
		t.Close()
		return nil, err
	}
	t.uplinkFd, t.rawFd, t.ifindex, err = openUplink(opts.UplinkInterface)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.snap.Store(&translate.Snapshot{
		Prefix:  opts.Prefix,
		LocalV4: opts.LocalV4,
		LocalV6: opts.LocalV6,
		MTU:     opts.MTU,
	})
	log.Info("Tunnel created",
		slog.String("tun", t.tunName),
		slog.String("uplink", opts.UplinkInterface),
		slog.String("prefix", opts.Prefix.String()),
		slog.Int("mtu", opts.MTU))
	return t, nil
}

// Name returns the real name of the tun interface.
func (t *Tunnel) Name() string {
	return t.tunName
}

// Snapshot returns the current addressing snapshot.
func (t *Tunnel) Snapshot() *translate.Snapshot {
	return t.snap.Load()
}

// SetSnapshot atomically replaces the addressing snapshot.
func (t *Tunnel) SetSnapshot(snap *translate.Snapshot) {
	t.snap.Store(snap)
}

// Close releases all descriptors owned by the tunnel. It is safe to
// call more than once.
func (t *Tunnel) Close() error {
	var firstErr error
	for _, fd := range []*int{&t.tunFd, &t.uplinkFd, &t.rawFd} {
		if *fd >= 0 {
			if err := unix.Close(*fd); err != nil && firstErr == nil {
				firstErr = err
			}
			*fd = -1
		}
	}
	return firstErr
}
