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

// Package translate implements stateless IPv4/IPv6 header translation
// for a client-side translator (CLAT). Packets are translated one at a
// time against an immutable snapshot of the tunnel addressing state.
// There is no per-flow state. Each call produces exactly one outcome:
// a translated packet, a silent drop, or a synthesized ICMP error back
// toward the sender.
package translate

import (
	"net/netip"
)

const (
	// MaxMTU is the largest packet the translator will ever handle.
	MaxMTU = 65536
	// PILen is the size of the tun packet-information framing header.
	PILen = 4
	// PacketLen is the size of a framed packet buffer. Translation
	// output buffers need only MaxMTU bytes; the extra PILen leaves
	// room for the framing header ahead of the packet.
	PacketLen = MaxMTU + PILen
	// MinV6MTU is the minimum IPv6 link MTU defined by RFC 8200.
	MinV6MTU = 1280

	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	ipv6FragLen   = 8
	icmpHeaderLen = 8
)

// IP protocol numbers handled by the translator.
const (
	protoICMP     = 1
	protoTCP      = 6
	protoUDP      = 17
	protoFragment = 44
	protoICMPv6   = 58
)

// Snapshot is an immutable view of the tunnel addressing state. A
// packet is translated against exactly one snapshot, never a mix of
// two.
type Snapshot struct {
	// Prefix is the /96 translation prefix IPv4 addresses are embedded
	// under (RFC 6052).
	Prefix netip.Prefix
	// LocalV4 is the IPv4 address assigned to the tun interface.
	LocalV4 netip.Addr
	// LocalV6 is the IPv6 source address used for translated packets.
	LocalV6 netip.Addr
	// MTU is the IPv6 MTU of the uplink. The tun interface carries
	// MTU minus the IPv6 header growth.
	MTU int
}

// Valid reports whether the snapshot is complete enough to translate
// against.
func (s *Snapshot) Valid() bool {
	return s != nil &&
		s.Prefix.IsValid() && s.Prefix.Addr().Is6() && s.Prefix.Bits() == 96 &&
		s.LocalV4.Is4() && s.LocalV6.Is6() &&
		s.MTU >= MinV6MTU && s.MTU <= MaxMTU
}

// TunMTU returns the IPv4 MTU presented on the tun interface. It
// leaves room for the 20 bytes of header growth so a maximum-sized
// IPv4 packet still fits the uplink after translation.
func (s *Snapshot) TunMTU() int {
	return s.MTU - (ipv6HeaderLen - ipv4HeaderLen)
}

// Verdict is the outcome class of a translation attempt.
type Verdict int

const (
	// VerdictDrop discards the input packet with no output.
	VerdictDrop Verdict = iota
	// VerdictForward emits the translated packet on the opposite
	// endpoint.
	VerdictForward
	// VerdictICMPReply returns a synthesized ICMP error to the
	// endpoint the input packet arrived on.
	VerdictICMPReply
)

// DropReason classifies why a packet was not forwarded. It doubles as
// a metrics label.
type DropReason string

const (
	ReasonNone        DropReason = ""
	ReasonNotReady    DropReason = "not-ready"
	ReasonMalformed   DropReason = "malformed"
	ReasonNotLocal    DropReason = "not-local"
	ReasonUnsupported DropReason = "unsupported"
	ReasonTooBig      DropReason = "too-big"
)

// Result is the outcome of a single translation attempt. Packet
// aliases the output buffer passed to the translation call and is only
// valid until the buffer is reused.
type Result struct {
	Verdict Verdict
	Packet  []byte
	Reason  DropReason
}

func forward(pkt []byte) Result {
	return Result{Verdict: VerdictForward, Packet: pkt}
}

func drop(reason DropReason) Result {
	return Result{Verdict: VerdictDrop, Reason: reason}
}

func icmpReply(pkt []byte, reason DropReason) Result {
	return Result{Verdict: VerdictICMPReply, Packet: pkt, Reason: reason}
}

// mapAddrTo6 maps an IPv4 address into the IPv6 world of the snapshot.
// The local address maps to the local IPv6 address, everything else is
// embedded under the translation prefix.
func (s *Snapshot) mapAddrTo6(v4 [4]byte) [16]byte {
	if netip.AddrFrom4(v4) == s.LocalV4 {
		return s.LocalV6.As16()
	}
	out := s.Prefix.Addr().As16()
	copy(out[12:], v4[:])
	return out
}

// mapAddrTo4 maps an IPv6 address back into the IPv4 world of the
// snapshot. The second return is false when the address is neither the
// local IPv6 address nor under the translation prefix.
func (s *Snapshot) mapAddrTo4(v6 [16]byte) ([4]byte, bool) {
	addr := netip.AddrFrom16(v6)
	if addr == s.LocalV6 {
		return s.LocalV4.As4(), true
	}
	if s.Prefix.Contains(addr) {
		return [4]byte(v6[12:16]), true
	}
	return [4]byte{}, false
}
