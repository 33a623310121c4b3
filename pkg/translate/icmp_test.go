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
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"
)

// icmpEcho returns an ICMP echo body with the given type.
func icmpEcho(typ uint8, id, seq uint16, payload []byte) []byte {
	b := make([]byte, icmpHeaderLen+len(payload))
	b[0] = typ
	binary.BigEndian.PutUint16(b[4:], id)
	binary.BigEndian.PutUint16(b[6:], seq)
	copy(b[icmpHeaderLen:], payload)
	return b
}

func TestEchoRequestTo6(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	body := icmpEcho(8, 0x77, 3, []byte("ping"))
	binary.BigEndian.PutUint16(body[2:], checksumFold(checksumSum(body, 0)))
	pkt := buildIPv4(snap.LocalV4, netip.MustParseAddr("192.0.2.2"), protoICMP, 0, 0, body)

	res := ToIPv6(snap, pkt, outBuf())
	if res.Verdict != VerdictForward {
		t.Fatalf("verdict = %v (reason %q), want forward", res.Verdict, res.Reason)
	}
	out := res.Packet
	if out[6] != protoICMPv6 {
		t.Fatalf("next header = %d, want %d", out[6], protoICMPv6)
	}
	icmp := out[ipv6HeaderLen:]
	if icmp[0] != 128 || icmp[1] != 0 {
		t.Errorf("type/code = %d/%d, want 128/0", icmp[0], icmp[1])
	}
	if got := binary.BigEndian.Uint16(icmp[4:6]); got != 0x77 {
		t.Errorf("identifier = %#x, want 0x77", got)
	}
	if !bytes.Equal(icmp[icmpHeaderLen:], []byte("ping")) {
		t.Error("echo payload not preserved")
	}
	if !validTransportChecksumV6(out) {
		t.Error("ICMPv6 checksum does not verify")
	}
}

func TestEchoReplyTo4(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	remote := netip.MustParseAddr("64:ff9b::c000:202")
	body := icmpEcho(129, 0x77, 3, []byte("pong"))
	pkt := buildIPv6(remote, snap.LocalV6, protoICMPv6, body)
	seg := pkt[ipv6HeaderLen:]
	csum := transportChecksum(pseudoSumV6(remote.As16(), snap.LocalV6.As16(), protoICMPv6, len(seg)), seg)
	binary.BigEndian.PutUint16(seg[2:], csum)

	res := ToIPv4(snap, pkt, outBuf())
	if res.Verdict != VerdictForward {
		t.Fatalf("verdict = %v (reason %q), want forward", res.Verdict, res.Reason)
	}
	out := res.Packet
	icmp := out[ipv4HeaderLen:]
	if icmp[0] != 0 || icmp[1] != 0 {
		t.Errorf("type/code = %d/%d, want 0/0", icmp[0], icmp[1])
	}
	if checksumFold(checksumSum(icmp, 0)) != 0 {
		t.Error("ICMPv4 checksum does not verify")
	}
	if got, want := netip.AddrFrom4([4]byte(out[12:16])), netip.MustParseAddr("192.0.2.2"); got != want {
		t.Errorf("source = %s, want %s", got, want)
	}
}

func TestPortUnreachableTo6(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	remote4 := netip.MustParseAddr("192.0.2.2")
	// The offending inbound datagram the local stack is rejecting.
	offending := buildIPv4(remote4, snap.LocalV4, protoUDP, 4, 0x4000, udpSegment(80, 5000, []byte{1, 2, 3, 4}))
	setUDPChecksumV4(offending)
	body := make([]byte, icmpHeaderLen+len(offending))
	body[0] = 3
	body[1] = 3
	copy(body[icmpHeaderLen:], offending)
	binary.BigEndian.PutUint16(body[2:], checksumFold(checksumSum(body, 0)))
	pkt := buildIPv4(snap.LocalV4, remote4, protoICMP, 0, 0, body)

	res := ToIPv6(snap, pkt, outBuf())
	if res.Verdict != VerdictForward {
		t.Fatalf("verdict = %v (reason %q), want forward", res.Verdict, res.Reason)
	}
	out := res.Packet
	icmp := out[ipv6HeaderLen:]
	if icmp[0] != 1 || icmp[1] != 4 {
		t.Fatalf("type/code = %d/%d, want 1/4", icmp[0], icmp[1])
	}
	if !validTransportChecksumV6(out) {
		t.Error("ICMPv6 checksum does not verify")
	}
	emb := icmp[icmpHeaderLen:]
	if emb[0]>>4 != 6 {
		t.Fatalf("embedded version = %d, want 6", emb[0]>>4)
	}
	if got, want := netip.AddrFrom16([16]byte(emb[8:24])), netip.MustParseAddr("64:ff9b::c000:202"); got != want {
		t.Errorf("embedded source = %s, want %s", got, want)
	}
	if got := netip.AddrFrom16([16]byte(emb[24:40])); got != snap.LocalV6 {
		t.Errorf("embedded destination = %s, want %s", got, snap.LocalV6)
	}
	if got := binary.BigEndian.Uint16(emb[ipv6HeaderLen:]); got != 80 {
		t.Errorf("embedded source port = %d, want 80", got)
	}
}

func TestUnreachableTo4(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	remote := netip.MustParseAddr("64:ff9b::c000:202")
	// The offending outbound datagram as it appeared on the wire.
	offending := buildIPv6(snap.LocalV6, remote, protoUDP, udpSegment(5000, 80, []byte{1, 2, 3, 4}))
	setUDPChecksumV6(offending)
	body := make([]byte, icmpHeaderLen+len(offending))
	body[0] = 1
	body[1] = 4
	copy(body[icmpHeaderLen:], offending)
	pkt := buildIPv6(remote, snap.LocalV6, protoICMPv6, body)
	seg := pkt[ipv6HeaderLen:]
	binary.BigEndian.PutUint16(seg[2:], transportChecksum(pseudoSumV6(remote.As16(), snap.LocalV6.As16(), protoICMPv6, len(seg)), seg))

	res := ToIPv4(snap, pkt, outBuf())
	if res.Verdict != VerdictForward {
		t.Fatalf("verdict = %v (reason %q), want forward", res.Verdict, res.Reason)
	}
	out := res.Packet
	icmp := out[ipv4HeaderLen:]
	if icmp[0] != 3 || icmp[1] != 3 {
		t.Fatalf("type/code = %d/%d, want 3/3", icmp[0], icmp[1])
	}
	if checksumFold(checksumSum(icmp, 0)) != 0 {
		t.Error("ICMPv4 checksum does not verify")
	}
	emb := icmp[icmpHeaderLen:]
	if emb[0]>>4 != 4 {
		t.Fatalf("embedded version = %d, want 4", emb[0]>>4)
	}
	if got := netip.AddrFrom4([4]byte(emb[12:16])); got != snap.LocalV4 {
		t.Errorf("embedded source = %s, want %s", got, snap.LocalV4)
	}
	if got := binary.BigEndian.Uint16(emb[ipv4HeaderLen:]); got != 5000 {
		t.Errorf("embedded source port = %d, want 5000", got)
	}
}

// TestRouterErrorTo4 checks that an error sourced from a router with no
// IPv4 representation uses the well-known dummy address.
func TestRouterErrorTo4(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	remote := netip.MustParseAddr("64:ff9b::c000:202")
	router := netip.MustParseAddr("2001:db8:ffff::1")
	offending := buildIPv6(snap.LocalV6, remote, protoUDP, udpSegment(5000, 80, nil))
	setUDPChecksumV6(offending)
	body := make([]byte, icmpHeaderLen+len(offending))
	body[0] = 3 // time exceeded
	copy(body[icmpHeaderLen:], offending)
	pkt := buildIPv6(router, snap.LocalV6, protoICMPv6, body)
	seg := pkt[ipv6HeaderLen:]
	binary.BigEndian.PutUint16(seg[2:], transportChecksum(pseudoSumV6(router.As16(), snap.LocalV6.As16(), protoICMPv6, len(seg)), seg))

	res := ToIPv4(snap, pkt, outBuf())
	if res.Verdict != VerdictForward {
		t.Fatalf("verdict = %v (reason %q), want forward", res.Verdict, res.Reason)
	}
	out := res.Packet
	if got := netip.AddrFrom4([4]byte(out[12:16])); got != netip.AddrFrom4(dummyV4Source) {
		t.Errorf("source = %s, want %s", got, netip.AddrFrom4(dummyV4Source))
	}
	icmp := out[ipv4HeaderLen:]
	if icmp[0] != 11 || icmp[1] != 0 {
		t.Errorf("type/code = %d/%d, want 11/0", icmp[0], icmp[1])
	}
}

func TestPacketTooBigTo4MTUClamp(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	remote := netip.MustParseAddr("64:ff9b::c000:202")
	offending := buildIPv6(snap.LocalV6, remote, protoUDP, udpSegment(5000, 80, nil))
	setUDPChecksumV6(offending)
	body := make([]byte, icmpHeaderLen+len(offending))
	body[0] = 2
	binary.BigEndian.PutUint32(body[4:], 1400)
	copy(body[icmpHeaderLen:], offending)
	pkt := buildIPv6(remote, snap.LocalV6, protoICMPv6, body)
	seg := pkt[ipv6HeaderLen:]
	binary.BigEndian.PutUint16(seg[2:], transportChecksum(pseudoSumV6(remote.As16(), snap.LocalV6.As16(), protoICMPv6, len(seg)), seg))

	res := ToIPv4(snap, pkt, outBuf())
	if res.Verdict != VerdictForward {
		t.Fatalf("verdict = %v (reason %q), want forward", res.Verdict, res.Reason)
	}
	icmp := res.Packet[ipv4HeaderLen:]
	if icmp[0] != 3 || icmp[1] != 4 {
		t.Fatalf("type/code = %d/%d, want 3/4", icmp[0], icmp[1])
	}
	// The advertised path MTU shrinks by the header growth.
	if got := binary.BigEndian.Uint16(icmp[6:8]); got != 1380 {
		t.Errorf("MTU = %d, want 1380", got)
	}
}

func TestProtocolUnreachableTo6(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	remote4 := netip.MustParseAddr("192.0.2.2")
	offending := buildIPv4(remote4, snap.LocalV4, protoUDP, 0, 0x4000, udpSegment(80, 5000, nil))
	setUDPChecksumV4(offending)
	body := make([]byte, icmpHeaderLen+len(offending))
	body[0] = 3
	body[1] = 2
	copy(body[icmpHeaderLen:], offending)
	binary.BigEndian.PutUint16(body[2:], checksumFold(checksumSum(body, 0)))
	pkt := buildIPv4(snap.LocalV4, remote4, protoICMP, 0, 0, body)

	res := ToIPv6(snap, pkt, outBuf())
	if res.Verdict != VerdictForward {
		t.Fatalf("verdict = %v (reason %q), want forward", res.Verdict, res.Reason)
	}
	icmp := res.Packet[ipv6HeaderLen:]
	// Protocol unreachable becomes a parameter problem pointing at the
	// next header field.
	if icmp[0] != 4 || icmp[1] != 1 {
		t.Fatalf("type/code = %d/%d, want 4/1", icmp[0], icmp[1])
	}
	if got := binary.BigEndian.Uint32(icmp[4:8]); got != 6 {
		t.Errorf("pointer = %d, want 6", got)
	}
}

func TestEmbeddedFragmentRejected(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	remote4 := netip.MustParseAddr("192.0.2.2")
	offending := buildIPv4(remote4, snap.LocalV4, protoUDP, 5, 0x2000, udpSegment(80, 5000, nil))
	body := make([]byte, icmpHeaderLen+len(offending))
	body[0] = 3
	body[1] = 3
	copy(body[icmpHeaderLen:], offending)
	binary.BigEndian.PutUint16(body[2:], checksumFold(checksumSum(body, 0)))
	pkt := buildIPv4(snap.LocalV4, remote4, protoICMP, 0, 0, body)

	res := ToIPv6(snap, pkt, outBuf())
	if res.Verdict != VerdictDrop || res.Reason != ReasonUnsupported {
		t.Errorf("got (%v, %q), want (drop, unsupported)", res.Verdict, res.Reason)
	}
}

func TestUnsupportedICMPTypes(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()
	remote4 := netip.MustParseAddr("192.0.2.2")
	remote6 := netip.MustParseAddr("64:ff9b::c000:202")
	tc := []struct {
		name string
		run  func() Result
	}{
		{"RouterAdvertisement", func() Result {
			body := icmpEcho(9, 0, 0, nil)
			return ToIPv6(snap, buildIPv4(snap.LocalV4, remote4, protoICMP, 0, 0, body), outBuf())
		}},
		{"Timestamp", func() Result {
			body := icmpEcho(13, 0, 0, nil)
			return ToIPv6(snap, buildIPv4(snap.LocalV4, remote4, protoICMP, 0, 0, body), outBuf())
		}},
		{"NeighborSolicitation", func() Result {
			body := icmpEcho(135, 0, 0, nil)
			return ToIPv4(snap, buildIPv6(remote6, snap.LocalV6, protoICMPv6, body), outBuf())
		}},
		{"MLDQuery", func() Result {
			body := icmpEcho(130, 0, 0, nil)
			return ToIPv4(snap, buildIPv6(remote6, snap.LocalV6, protoICMPv6, body), outBuf())
		}},
	}
	for _, tt := range tc {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := tt.run()
			if res.Verdict != VerdictDrop || res.Reason != ReasonUnsupported {
				t.Errorf("got (%v, %q), want (drop, unsupported)", res.Verdict, res.Reason)
			}
		})
	}
}

func TestPointerMappings(t *testing.T) {
	t.Parallel()
	t.Run("To6", func(t *testing.T) {
		t.Parallel()
		tc := []struct {
			in   uint8
			want uint8
			ok   bool
		}{
			{0, 0, true}, {1, 1, true}, {2, 4, true}, {3, 4, true},
			{8, 7, true}, {9, 6, true}, {12, 8, true}, {15, 8, true},
			{16, 24, true}, {19, 24, true}, {4, 0, false}, {20, 0, false},
		}
		for _, tt := range tc {
			got, ok := pointer4To6(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("pointer4To6(%d) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		}
	})
	t.Run("To4", func(t *testing.T) {
		t.Parallel()
		tc := []struct {
			in   uint32
			want uint8
			ok   bool
		}{
			{0, 0, true}, {1, 1, true}, {4, 2, true}, {5, 2, true},
			{6, 9, true}, {7, 8, true}, {8, 12, true}, {23, 12, true},
			{24, 16, true}, {39, 16, true}, {2, 0, false}, {40, 0, false},
		}
		for _, tt := range tc {
			got, ok := pointer6To4(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("pointer6To4(%d) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		}
	})
}
