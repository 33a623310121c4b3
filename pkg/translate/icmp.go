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

import "encoding/binary"

// ICMP translation follows the RFC 7915 type/code tables. Echo and
// the common error types map across; everything else (redirects,
// timestamps, neighbor discovery, MLD) is dropped as untranslatable.
// Error messages carry a translated copy of the embedded header so the
// far end can still match the error to the offending flow.

// dummyV4Source stands in for ICMPv6 error sources that have no IPv4
// representation, such as intermediate routers outside the translation
// prefix (RFC 7335).
var dummyV4Source = [4]byte{192, 0, 0, 8}

// icmp4To6 translates an unfragmented ICMPv4 packet to ICMPv6.
func icmp4To6(snap *Snapshot, pkt []byte, ihl int, src6, dst6 [16]byte, out []byte) Result {
	icmp := pkt[ihl:]
	if len(icmp) < icmpHeaderLen {
		return drop(ReasonMalformed)
	}
	typ, code := icmp[0], icmp[1]

	// Echo carries no embedded packet and keeps its identifier,
	// sequence number and payload.
	if typ == 8 || typ == 0 {
		if code != 0 {
			return drop(ReasonUnsupported)
		}
		outLen := ipv6HeaderLen + len(icmp)
		if outLen > snap.MTU {
			return fragNeededReply(snap, pkt, out)
		}
		writeIPv6Header(out, pkt[1], len(icmp), protoICMPv6, pkt[8], src6, dst6)
		body := out[ipv6HeaderLen:outLen]
		copy(body, icmp)
		if typ == 8 {
			body[0] = 128
		} else {
			body[0] = 129
		}
		body[2] = 0
		body[3] = 0
		csum := transportChecksum(pseudoSumV6(src6, dst6, protoICMPv6, len(body)), body)
		binary.BigEndian.PutUint16(body[2:], csum)
		return forward(out[:outLen])
	}

	var typ6, code6 uint8
	var rest uint32
	switch typ {
	case 3: // destination unreachable
		switch code {
		case 0, 1, 5, 6, 7, 8, 11, 12:
			typ6, code6 = 1, 0 // no route to destination
		case 2:
			// Protocol unreachable becomes a parameter problem
			// pointing at the next header field.
			typ6, code6, rest = 4, 1, 6
		case 3:
			typ6, code6 = 1, 4 // port unreachable
		case 4:
			typ6, code6 = 2, 0 // packet too big
			mtu := int(binary.BigEndian.Uint16(icmp[6:8])) + (ipv6HeaderLen - ipv4HeaderLen)
			if mtu < MinV6MTU {
				mtu = MinV6MTU
			}
			if mtu > snap.MTU {
				mtu = snap.MTU
			}
			rest = uint32(mtu)
		case 9, 10, 13, 15:
			typ6, code6 = 1, 1 // administratively prohibited
		default:
			return drop(ReasonUnsupported)
		}
	case 11: // time exceeded
		if code > 1 {
			return drop(ReasonUnsupported)
		}
		typ6, code6 = 3, code
	case 12: // parameter problem
		if code != 0 && code != 2 {
			return drop(ReasonUnsupported)
		}
		ptr, ok := pointer4To6(icmp[4])
		if !ok {
			return drop(ReasonUnsupported)
		}
		typ6, code6, rest = 4, 0, uint32(ptr)
	default:
		return drop(ReasonUnsupported)
	}

	embOff := ipv6HeaderLen + icmpHeaderLen
	n, ok := embedTo6(snap, icmp[icmpHeaderLen:], out[embOff:])
	if !ok {
		return drop(ReasonUnsupported)
	}
	outLen := embOff + n
	// An ICMPv6 error must fit the minimum IPv6 MTU.
	if outLen > MinV6MTU {
		outLen = MinV6MTU
	}
	writeIPv6Header(out, pkt[1], outLen-ipv6HeaderLen, protoICMPv6, pkt[8], src6, dst6)
	body := out[ipv6HeaderLen:outLen]
	body[0] = typ6
	body[1] = code6
	body[2] = 0
	body[3] = 0
	binary.BigEndian.PutUint32(body[4:], rest)
	csum := transportChecksum(pseudoSumV6(src6, dst6, protoICMPv6, len(body)), body)
	binary.BigEndian.PutUint16(body[2:], csum)
	return forward(out[:outLen])
}

// icmp6To4 translates an unfragmented ICMPv6 packet to ICMPv4.
func icmp6To4(snap *Snapshot, pkt []byte, off int, src16 [16]byte, out []byte) Result {
	icmp := pkt[off:]
	if len(icmp) < icmpHeaderLen {
		return drop(ReasonMalformed)
	}
	typ, code := icmp[0], icmp[1]
	trafficClass := pkt[0]<<4 | pkt[1]>>4
	hopLimit := pkt[7]
	dst4 := snap.LocalV4.As4()

	if typ == 128 || typ == 129 {
		if code != 0 {
			return drop(ReasonUnsupported)
		}
		src4, ok := snap.mapAddrTo4(src16)
		if !ok {
			return drop(ReasonNotLocal)
		}
		outLen := ipv4HeaderLen + len(icmp)
		if outLen > snap.TunMTU() {
			return packetTooBigReply(snap, pkt, out)
		}
		writeIPv4Header(out, outLen, 0, 0x4000, hopLimit, protoICMP, trafficClass, src4, dst4)
		body := out[ipv4HeaderLen:outLen]
		copy(body, icmp)
		if typ == 128 {
			body[0] = 8
		} else {
			body[0] = 0
		}
		body[2] = 0
		body[3] = 0
		binary.BigEndian.PutUint16(body[2:], checksumFold(checksumSum(body, 0)))
		return forward(out[:outLen])
	}

	var typ4, code4 uint8
	var pointer uint8
	var hasPointer bool
	var mtu16 uint16
	switch typ {
	case 1: // destination unreachable
		switch code {
		case 0, 2, 3:
			typ4, code4 = 3, 1 // host unreachable
		case 1:
			typ4, code4 = 3, 10 // administratively prohibited
		case 4:
			typ4, code4 = 3, 3 // port unreachable
		default:
			return drop(ReasonUnsupported)
		}
	case 2: // packet too big
		if code != 0 {
			return drop(ReasonUnsupported)
		}
		typ4, code4 = 3, 4
		mtu := int(binary.BigEndian.Uint32(icmp[4:8])) - (ipv6HeaderLen - ipv4HeaderLen)
		if mtu < 68 {
			mtu = 68
		}
		if mtu > snap.TunMTU() {
			mtu = snap.TunMTU()
		}
		mtu16 = uint16(mtu)
	case 3: // time exceeded
		if code > 1 {
			return drop(ReasonUnsupported)
		}
		typ4, code4 = 11, code
	case 4: // parameter problem
		switch code {
		case 0:
			ptr, ok := pointer6To4(binary.BigEndian.Uint32(icmp[4:8]))
			if !ok {
				return drop(ReasonUnsupported)
			}
			typ4, code4, pointer, hasPointer = 12, 0, ptr, true
		case 1:
			typ4, code4 = 3, 2 // unrecognized next header: protocol unreachable
		default:
			return drop(ReasonUnsupported)
		}
	default:
		return drop(ReasonUnsupported)
	}

	// Errors from routers outside the translation prefix keep no IPv4
	// identity; the RFC 7335 dummy address stands in.
	src4, ok := snap.mapAddrTo4(src16)
	if !ok {
		src4 = dummyV4Source
	}
	embOff := ipv4HeaderLen + icmpHeaderLen
	n, ok := embedTo4(snap, icmp[icmpHeaderLen:], out[embOff:])
	if !ok {
		return drop(ReasonUnsupported)
	}
	outLen := embOff + n
	// Keep ICMPv4 errors within the classic 576-byte bound.
	if outLen > 576 {
		outLen = 576
	}
	writeIPv4Header(out, outLen, 0, 0, hopLimit, protoICMP, trafficClass, src4, dst4)
	body := out[ipv4HeaderLen:outLen]
	body[0] = typ4
	body[1] = code4
	body[2] = 0
	body[3] = 0
	body[4] = 0
	body[5] = 0
	body[6] = 0
	body[7] = 0
	if hasPointer {
		body[4] = pointer
	}
	if mtu16 != 0 {
		binary.BigEndian.PutUint16(body[6:], mtu16)
	}
	binary.BigEndian.PutUint16(body[2:], checksumFold(checksumSum(body, 0)))
	return forward(out[:outLen])
}

// embedTo6 translates the embedded IPv4 header inside an ICMP error to
// IPv6 so the v6 end host can match the error to its flow. Returns
// false when the embedded packet cannot be represented, in which case
// the whole error is dropped. Embedded ICMP errors and fragments are
// not representable.
func embedTo6(snap *Snapshot, emb, out []byte) (int, bool) {
	if len(emb) < ipv4HeaderLen || emb[0]>>4 != 4 {
		return 0, false
	}
	ihl := int(emb[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || ihl > len(emb) {
		return 0, false
	}
	if binary.BigEndian.Uint16(emb[6:8])&0x3fff != 0 {
		return 0, false
	}
	proto := emb[9]
	nextHdr := proto
	var echoType uint8
	switch proto {
	case protoTCP, protoUDP:
	case protoICMP:
		if len(emb) < ihl+1 {
			return 0, false
		}
		switch emb[ihl] {
		case 8:
			echoType = 128
		case 0:
			echoType = 129
		default:
			return 0, false
		}
		nextHdr = protoICMPv6
	default:
		return 0, false
	}
	var s4, d4 [4]byte
	copy(s4[:], emb[12:16])
	copy(d4[:], emb[16:20])
	// The embedded length fields describe the original packet even
	// when the sample itself is truncated.
	origLen := int(binary.BigEndian.Uint16(emb[2:4]))
	payloadLen := origLen - ihl
	if payloadLen < 0 {
		return 0, false
	}
	writeIPv6Header(out, emb[1], payloadLen, nextHdr, emb[8], snap.mapAddrTo6(s4), snap.mapAddrTo6(d4))
	n := copy(out[ipv6HeaderLen:], emb[ihl:])
	if proto == protoICMP && n > 0 {
		out[ipv6HeaderLen] = echoType
	}
	return ipv6HeaderLen + n, true
}

// embedTo4 is the reverse of embedTo6.
func embedTo4(snap *Snapshot, emb, out []byte) (int, bool) {
	if len(emb) < ipv6HeaderLen || emb[0]>>4 != 6 {
		return 0, false
	}
	nextHdr := emb[6]
	proto := nextHdr
	var echoType uint8
	switch nextHdr {
	case protoTCP, protoUDP:
	case protoICMPv6:
		if len(emb) < ipv6HeaderLen+1 {
			return 0, false
		}
		switch emb[ipv6HeaderLen] {
		case 128:
			echoType = 8
		case 129:
			echoType = 0
		default:
			return 0, false
		}
		proto = protoICMP
	default:
		return 0, false
	}
	var s16, d16 [16]byte
	copy(s16[:], emb[8:24])
	copy(d16[:], emb[24:40])
	s4, ok := snap.mapAddrTo4(s16)
	if !ok {
		return 0, false
	}
	d4, ok := snap.mapAddrTo4(d16)
	if !ok {
		return 0, false
	}
	origLen := ipv6HeaderLen + int(binary.BigEndian.Uint16(emb[4:6]))
	totalLen := origLen - (ipv6HeaderLen - ipv4HeaderLen)
	trafficClass := emb[0]<<4 | emb[1]>>4
	writeIPv4Header(out, totalLen, 0, 0x4000, emb[7], proto, trafficClass, s4, d4)
	n := copy(out[ipv4HeaderLen:], emb[ipv6HeaderLen:])
	if proto == protoICMP && n > 0 {
		out[ipv4HeaderLen] = echoType
	}
	return ipv4HeaderLen + n, true
}

// pointer4To6 maps an ICMPv4 parameter problem pointer to the
// corresponding IPv6 header offset (RFC 7915 section 4.2).
func pointer4To6(p uint8) (uint8, bool) {
	switch {
	case p == 0 || p == 1:
		return p, true
	case p == 2 || p == 3:
		return 4, true // total length -> payload length
	case p == 8:
		return 7, true // TTL -> hop limit
	case p == 9:
		return 6, true // protocol -> next header
	case p >= 12 && p < 16:
		return 8, true // source address
	case p >= 16 && p < 20:
		return 24, true // destination address
	default:
		return 0, false
	}
}

// pointer6To4 maps an ICMPv6 parameter problem pointer to the
// corresponding IPv4 header offset (RFC 7915 section 5.2).
func pointer6To4(p uint32) (uint8, bool) {
	switch {
	case p == 0 || p == 1:
		return uint8(p), true
	case p == 4 || p == 5:
		return 2, true // payload length -> total length
	case p == 6:
		return 9, true // next header -> protocol
	case p == 7:
		return 8, true // hop limit -> TTL
	case p >= 8 && p < 24:
		return 12, true // source address
	case p >= 24 && p < 40:
		return 16, true // destination address
	default:
		return 0, false
	}
}
