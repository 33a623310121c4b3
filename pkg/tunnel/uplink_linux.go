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

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// UplinkMTU returns the current MTU of the uplink interface.
func UplinkMTU(ifaceName string) (int, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return 0, fmt.Errorf("get uplink interface: %w", err)
	}
	return link.Attrs().MTU, nil
}

// openUplink opens the uplink descriptors: a packet socket bound to
// the uplink interface for receiving IPv6, and a raw IPv6 socket for
// sending translated packets with their headers included. Receive
// filtering down to the local address happens in the event loop.
func openUplink(ifaceName string) (packetFd, rawFd, ifindex int, err error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return -1, -1, 0, fmt.Errorf("get uplink interface: %w", err)
	}
	packetFd, err = unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_IPV6)))
	if err != nil {
		return -1, -1, 0, fmt.Errorf("open packet socket: %w", err)
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IPV6),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(packetFd, sll); err != nil {
		unix.Close(packetFd)
		return -1, -1, 0, fmt.Errorf("bind packet socket to %s: %w", ifaceName, err)
	}
	rawFd, err = unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		unix.Close(packetFd)
		return -1, -1, 0, fmt.Errorf("open raw socket: %w", err)
	}
	return packetFd, rawFd, iface.Index, nil
}

// htons converts a short to network byte order. Packet socket
// protocol numbers are passed in network order.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
