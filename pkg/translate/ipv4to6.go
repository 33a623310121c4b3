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

// ToIPv6 translates a single IPv4 packet read from the tun interface
// into an IPv6 packet written into out. The output aliases out and is
// valid until the buffer is reused. Malformed input is dropped
// silently so a translation error can never loop back into the
// translator.
func ToIPv6(snap *Snapshot, pkt, out []byte) Result {
	if !snap.Valid() {
		return drop(ReasonNotReady)
	}
	if len(out) < MaxMTU {
		return drop(ReasonMalformed)
	}
	if len(pkt) < ipv4HeaderLen || pkt[0]>>4 != 4 {
		return drop(ReasonMalformed)
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || ihl > len(pkt) {
		return drop(ReasonMalformed)
	}
	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if totalLen < ihl || totalLen > len(pkt) {
		return drop(ReasonMalformed)
	}
	pkt = pkt[:totalLen]

	proto := pkt[9]
	fragField := binary.BigEndian.Uint16(pkt[6:8])
	fragOffset := int(fragField&0x1fff) * 8
	moreFrags := fragField&0x2000 != 0
	fragmented := fragOffset > 0 || moreFrags

	var src4, dst4 [4]byte
	copy(src4[:], pkt[12:16])
	copy(dst4[:], pkt[16:20])
	// Only traffic sourced from the local IPv4 address belongs on the
	// tun interface.
	if netip.AddrFrom4(src4) != snap.LocalV4 {
		return drop(ReasonNotLocal)
	}
	src6 := snap.LocalV6.As16()
	dst6 := snap.mapAddrTo6(dst4)

	switch proto {
	case protoTCP, protoUDP:
	case protoICMP:
		// The ICMP header is required to map the type, so a
		// fragmented ICMP packet cannot be translated statelessly.
		if fragmented {
			return drop(ReasonUnsupported)
		}
		return icmp4To6(snap, pkt, ihl, src6, dst6, out)
	default:
		return drop(ReasonUnsupported)
	}

	payload := pkt[ihl:]
	hdrLen := ipv6HeaderLen
	if fragmented {
		hdrLen += ipv6FragLen
	}
	outLen := hdrLen + len(payload)
	if outLen > snap.MTU {
		return fragNeededReply(snap, pkt, out)
	}

	nextHdr := proto
	if fragmented {
		nextHdr = protoFragment
	}
	writeIPv6Header(out, pkt[1], outLen-ipv6HeaderLen, nextHdr, pkt[8], src6, dst6)
	if fragmented {
		// Map (identification, offset, MF) onto the Fragment
		// extension header. The 16-bit IPv4 identification becomes
		// the low 16 bits of the 32-bit IPv6 fragment ID.
		out[ipv6HeaderLen] = proto
		out[ipv6HeaderLen+1] = 0
		binary.BigEndian.PutUint16(out[ipv6HeaderLen+2:], (fragField&0x1fff)<<3|boolBit(moreFrags))
		binary.BigEndian.PutUint32(out[ipv6HeaderLen+4:], uint32(binary.BigEndian.Uint16(pkt[4:6])))
	}
	copy(out[hdrLen:], payload)

	switch {
	case !fragmented:
		csumOff, minLen := transportChecksumOffset(proto)
		if len(payload) < minLen {
			return drop(ReasonMalformed)
		}
		// IPv4 permits an absent UDP checksum, IPv6 does not. The
		// full recompute always produces a real one.
		seg := out[hdrLen:outLen]
		seg[csumOff] = 0
		seg[csumOff+1] = 0
		csum := transportChecksum(pseudoSumV6(src6, dst6, proto, len(seg)), seg)
		if proto == protoUDP && csum == 0 {
			csum = 0xffff
		}
		binary.BigEndian.PutUint16(seg[csumOff:], csum)
	case fragOffset == 0:
		// First fragment: the transport header is present but the
		// payload is not, so the checksum is adjusted by the
		// pseudo-header delta instead of recomputed.
		csumOff, minLen := transportChecksumOffset(proto)
		if len(payload) < minLen {
			return drop(ReasonMalformed)
		}
		if proto == protoUDP && binary.BigEndian.Uint16(payload[6:8]) == 0 {
			// No checksum to adjust and no way to compute one from a
			// single fragment.
			return drop(ReasonUnsupported)
		}
		seg := out[hdrLen:outLen]
		oldSum := checksumSum(dst4[:], checksumSum(src4[:], 0))
		newSum := checksumSum(dst6[:], checksumSum(src6[:], 0))
		checksumAdjust(seg[csumOff:csumOff+2], oldSum, newSum)
	default:
		// Non-first fragment: no transport header, nothing to fix.
	}
	return forward(out[:outLen])
}

// transportChecksumOffset returns the offset of the checksum field
// within the transport header and the minimum header length required
// for it to be present.
func transportChecksumOffset(proto uint8) (offset, minLen int) {
	if proto == protoTCP {
		return 16, 20
	}
	return 6, 8
}

// writeIPv6Header writes a 40-byte IPv6 header with a zero flow label.
func writeIPv6Header(out []byte, trafficClass uint8, payloadLen int, nextHdr, hopLimit uint8, src, dst [16]byte) {
	out[0] = 6<<4 | trafficClass>>4
	out[1] = trafficClass << 4
	out[2] = 0
	out[3] = 0
	binary.BigEndian.PutUint16(out[4:], uint16(payloadLen))
	out[6] = nextHdr
	out[7] = hopLimit
	copy(out[8:24], src[:])
	copy(out[24:40], dst[:])
}

// fragNeededReply synthesizes the ICMPv4 "fragmentation needed" error
// returned to the tun sender when the translated packet would exceed
// the uplink MTU.
func fragNeededReply(snap *Snapshot, orig, out []byte) Result {
	ihl := int(orig[0]&0x0f) * 4
	embLen := ihl + 8
	if embLen > len(orig) {
		embLen = len(orig)
	}
	outLen := ipv4HeaderLen + icmpHeaderLen + embLen
	var src4, dst4 [4]byte
	copy(src4[:], orig[16:20]) // reply comes from the original destination
	copy(dst4[:], orig[12:16])
	writeIPv4Header(out, outLen, 0, 0x4000, 64, protoICMP, 0, src4, dst4)
	icmp := out[ipv4HeaderLen:outLen]
	icmp[0] = 3 // destination unreachable
	icmp[1] = 4 // fragmentation needed and DF set
	icmp[2] = 0
	icmp[3] = 0
	icmp[4] = 0
	icmp[5] = 0
	binary.BigEndian.PutUint16(icmp[6:], uint16(snap.TunMTU()))
	copy(icmp[icmpHeaderLen:], orig[:embLen])
	binary.BigEndian.PutUint16(icmp[2:], checksumFold(checksumSum(icmp, 0)))
	return icmpReply(out[:outLen], ReasonTooBig)
}

// writeIPv4Header writes a 20-byte IPv4 header without options and
// computes the header checksum.
func writeIPv4Header(out []byte, totalLen int, id, fragField uint16, ttl, proto, tos uint8, src, dst [4]byte) {
	out[0] = 4<<4 | ipv4HeaderLen/4
	out[1] = tos
	binary.BigEndian.PutUint16(out[2:], uint16(totalLen))
	binary.BigEndian.PutUint16(out[4:], id)
	binary.BigEndian.PutUint16(out[6:], fragField)
	out[8] = ttl
	out[9] = proto
	out[10] = 0
	out[11] = 0
	copy(out[12:16], src[:])
	copy(out[16:20], dst[:])
	binary.BigEndian.PutUint16(out[10:], ipv4HeaderChecksum(out[:ipv4HeaderLen]))
}

func boolBit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
