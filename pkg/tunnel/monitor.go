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

package tunnel

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/webmeshproj/clatd/pkg/context"
	"github.com/webmeshproj/clatd/pkg/translate"
)

// AddrLister returns the current global IPv6 address and prefix of an
// interface. The netlink implementation is used at runtime; tests
// inject fakes.
type AddrLister interface {
	GlobalUnicast(name string) (netip.Prefix, error)
}

// MonitorOptions are the options for creating a new monitor.
type MonitorOptions struct {
	// Interface is the uplink interface to watch.
	Interface string
	// Seed optionally pins the interface identifier of the derived
	// local IPv6 address. When unset a random identifier is used.
	Seed netip.Addr
	// Addrs lists interface addresses. Defaults to netlink.
	Addrs AddrLister
	// OnChange is invoked after a changed snapshot has been applied,
	// for re-establishing routes or endpoint parameters. Retry and
	// backoff are the callback's concern.
	OnChange func(ctx context.Context, snap *translate.Snapshot)
}

// Monitor polls the uplink interface for IPv6 address changes and
// keeps the tunnel snapshot in sync. Detection is poll based; the
// cadence is driven by the event loop.
type Monitor struct {
	MonitorOptions
	iid [8]byte
	log *slog.Logger
}

// NewMonitor returns a new monitor for the given uplink interface.
func NewMonitor(ctx context.Context, opts MonitorOptions) (*Monitor, error) {
	m := &Monitor{
		MonitorOptions: opts,
		log:            context.LoggerFrom(ctx).With(slog.String("component", "monitor")),
	}
	if m.Addrs == nil {
		m.Addrs = netlinkAddrs{}
	}
	if opts.Seed.Is6() {
		seed := opts.Seed.As16()
		copy(m.iid[:], seed[8:])
	} else {
		if _, err := rand.Read(m.iid[:]); err != nil {
			return nil, fmt.Errorf("generate interface identifier: %w", err)
		}
		// Clear the universal bit of the identifier.
		m.iid[0] &^= 0x02
	}
	return m, nil
}

// Poll inspects the uplink interface and reports whether the tunnel
// snapshot changed. On change the snapshot is replaced as a whole
// unit before the OnChange callback fires. Errors are surfaced to the
// caller; the monitor itself never retries, it is simply polled again
// on the normal cadence.
func (m *Monitor) Poll(ctx context.Context, tun *Tunnel) (bool, error) {
	prefix, err := m.Addrs.GlobalUnicast(m.Interface)
	if err != nil {
		return false, fmt.Errorf("uplink %s: %w", m.Interface, err)
	}
	want := interfaceAddress(prefix, m.iid)
	cur := tun.Snapshot()
	if cur.LocalV6 == want {
		return false, nil
	}
	next := *cur
	next.LocalV6 = want
	tun.SetSnapshot(&next)
	AddressChanges.Inc()
	m.log.Info("Uplink address changed",
		slog.String("prefix", prefix.String()),
		slog.String("local-v6", want.String()))
	if m.OnChange != nil {
		m.OnChange(ctx, &next)
	}
	return true, nil
}

// interfaceAddress combines the network bits of the uplink prefix
// with the monitor's interface identifier.
func interfaceAddress(prefix netip.Prefix, iid [8]byte) netip.Addr {
	ip := prefix.Masked().Addr().As16()
	copy(ip[8:], iid[:])
	return netip.AddrFrom16(ip)
}

type netlinkAddrs struct{}

// GlobalUnicast returns the first global unicast IPv6 address on the
// interface.
func (netlinkAddrs) GlobalUnicast(name string) (netip.Prefix, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("get interface: %w", err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if !ip.Is6() || !ip.IsGlobalUnicast() || ip.Is4In6() {
			continue
		}
		ones, _ := a.Mask.Size()
		return netip.PrefixFrom(ip, ones), nil
	}
	return netip.Prefix{}, fmt.Errorf("no global IPv6 address on %s", name)
}
