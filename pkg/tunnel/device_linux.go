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
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/webmeshproj/clatd/pkg/context"
)

// openTUN opens the tun device with packet-information framing
// enabled. Every frame read from or written to the descriptor carries
// a 4-byte tun_pi header ahead of the IP packet.
func openTUN(name string) (fd int, realName string, err error) {
	fd, err = unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, "", fmt.Errorf("open /dev/net/tun: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("create tun interface: %w", err)
	}
	return fd, ifr.Name(), nil
}

// configureTUN assigns the local IPv4 address, sets the MTU, activates
// the interface and optionally installs the IPv4 default route
// through it.
func configureTUN(ctx context.Context, name string, addr netip.Addr, mtu int, defaultRoute bool) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("get tun interface: %w", err)
	}
	nladdr, err := netlink.ParseAddr(fmt.Sprintf("%s/32", addr))
	if err != nil {
		return fmt.Errorf("netlink parse addr: %w", err)
	}
	if err := netlink.AddrAdd(link, nladdr); err != nil {
		return fmt.Errorf("add address to tun interface: %w", err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("set tun mtu: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set tun interface up: %w", err)
	}
	if defaultRoute {
		_, defaultNet, _ := net.ParseCIDR("0.0.0.0/0")
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       defaultNet,
		}
		context.LoggerFrom(ctx).Debug("Installing IPv4 default route", "interface", name)
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("add default route: %w", err)
		}
	}
	return nil
}
