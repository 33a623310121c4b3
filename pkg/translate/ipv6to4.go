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

package translate

import (
	"encoding/binary"
	"net/netip"
)

// ToIPv4 translates a single IPv6 packet received on the uplink into
// an IPv4 packet written into out. Packets not addressed to the local
// IPv6 address are dropped silently; the uplink socket sees all IPv6
// traffic on the interface.
func ToIPv4(snap *Snapshot, pkt, out []byte) Result {
	if !snap.Valid() {
		return drop(ReasonNotReady)
	}
	if len(out) < MaxMTU {
		return drop(ReasonMalformed)
	}
	if len(pkt) < ipv6HeaderLen || pkt[0]>>4 != 6 {
		return drop(ReasonMalformed)
	}
	totalLen := ipv6HeaderLen + int(binary.BigEndian.Uint16(pkt[4:6]))
	if totalLen > len(pkt) {
		return drop(ReasonMalformed)
	}
	pkt = pkt[:totalLen]

	var src16, dst16 [16]byte
	copy(src16[:], pkt[8:24])
	copy(dst16[:], pkt[24:40])
	if netip.AddrFrom16(dst16) != snap.LocalV6 {
		return drop(ReasonNotLocal)
	}

	trafficClass := pkt[0]<<4 | pkt[1]>>4
	hopLimit := pkt[7]
	nextHdr := pkt[6]
	off := ipv6HeaderLen
	var fragmented, moreFrags bool
	var fragOffset int
	var fragID uint32
	if nextHdr == protoFragment {
		if len(pkt) < off+ipv6FragLen {
			return drop(ReasonMalformed)
		}
		fragmented = true
		nextHdr = pkt[off]
		f := binary.BigEndian.Uint16(pkt[off+2 : off+4])
		fragOffset = int(f>>3) * 8
		moreFrags = f&1 != 0
		fragID = binary.BigEndian.Uint32(pkt[off+4 : off+8])
		off += ipv6FragLen
	}

	switch nextHdr {
	case protoTCP, protoUDP:
	case protoICMPv6:
		if fragmented {
			return drop(ReasonUnsupported)
		}
		return icmp6To4(snap, pkt, off, src16, out)
	default:
		// Any other extension header or transport is not translatable.
		return drop(ReasonUnsupported)
	}

	src4, ok := snap.mapAddrTo4(src16)
	if !ok {
		return drop(ReasonNotLocal)
	}
	dst4 := snap.LocalV4.As4()
	payload := pkt[off:]
	outLen := ipv4HeaderLen + len(payload)
	if outLen > snap.TunMTU() {
		return packetTooBigReply(snap, pkt, out)
	}

	var id uint16
	var fragField uint16
	if fragmented {
		// The low 16 bits of the IPv6 fragment ID carry the original
		// IPv4 identification.
		id = uint16(fragID)
		fragField = uint16(fragOffset/8) & 0x1fff
		if moreFrags {
			fragField |= 0x2000
		}
	} else {
		// No fragment header means the far end translated with DF set.
		fragField = 0x4000
	}
	writeIPv4Header(out, outLen, id, fragField, hopLimit, nextHdr, trafficClass, src4, dst4)
	copy(out[ipv4HeaderLen:], payload)

	switch {
	case !fragmented:
		csumOff, minLen := transportChecksumOffset(nextHdr)
		if len(payload) < minLen {
			return drop(ReasonMalformed)
		}
		if nextHdr == protoUDP && binary.BigEndian.Uint16(payload[6:8]) == 0 {
			// A zero UDP checksum is invalid on the IPv6 side.
			return drop(ReasonMalformed)
		}
		seg := out[ipv4HeaderLen:outLen]
		seg[csumOff] = 0
		seg[csumOff+1] = 0
		csum := transportChecksum(pseudoSumV4(src4, dst4, nextHdr, len(seg)), seg)
		if nextHdr == protoUDP && csum == 0 {
			csum = 0xffff
		}
		binary.BigEndian.PutUint16(seg[csumOff:], csum)
	case fragOffset == 0:
		csumOff, minLen := transportChecksumOffset(nextHdr)
		if len(payload) < minLen {
			return drop(ReasonMalformed)
		}
		if nextHdr == protoUDP && binary.BigEndian.Uint16(payload[6:8]) == 0 {
			// A zero UDP checksum is invalid on the IPv6 side.
			return drop(ReasonMalformed)
		}
		seg := out[ipv4HeaderLen:outLen]
		oldSum := checksumSum(dst16[:], checksumSum(src16[:], 0))
		newSum := checksumSum(dst4[:], checksumSum(src4[:], 0))
		checksumAdjust(seg[csumOff:csumOff+2], oldSum, newSum)
	default:
		// Non-first fragment: no transport header, nothing to fix.
	}
	return forward(out[:outLen])
}

// packetTooBigReply synthesizes the ICMPv6 "packet too big" error
// returned to the uplink sender when the translated packet would
// exceed the tun MTU.
func packetTooBigReply(snap *Snapshot, orig, out []byte) Result {
	embLen := len(orig)
	if limit := MinV6MTU - ipv6HeaderLen - icmpHeaderLen; embLen > limit {
		embLen = limit
	}
	outLen := ipv6HeaderLen + icmpHeaderLen + embLen
	src6 := snap.LocalV6.As16()
	var dst6 [16]byte
	copy(dst6[:], orig[8:24])
	writeIPv6Header(out, 0, outLen-ipv6HeaderLen, protoICMPv6, 64, src6, dst6)
	icmp := out[ipv6HeaderLen:outLen]
	icmp[0] = 2 // packet too big
	icmp[1] = 0
	icmp[2] = 0
	icmp[3] = 0
	binary.BigEndian.PutUint32(icmp[4:], uint32(snap.MTU))
	copy(icmp[icmpHeaderLen:], orig[:embLen])
	csum := transportChecksum(pseudoSumV6(src6, dst6, protoICMPv6, len(icmp)), icmp)
	binary.BigEndian.PutUint16(icmp[2:], csum)
	return icmpReply(out[:outLen], ReasonTooBig)
}
