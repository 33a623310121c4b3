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

// checksumSum adds the 16-bit words of b to the running one's
// complement accumulator. An odd trailing byte is padded with zero.
func checksumSum(b []byte, acc uint32) uint32 {
	for len(b) >= 2 {
		acc += uint32(binary.BigEndian.Uint16(b[:2]))
		b = b[2:]
	}
	if len(b) == 1 {
		acc += uint32(b[0]) << 8
	}
	return acc
}

// checksumFold folds the accumulator into a final 16-bit one's
// complement checksum.
func checksumFold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = (acc >> 16) + (acc & 0xffff)
	}
	return ^uint16(acc)
}

// pseudoSumV4 returns the accumulator seeded with the IPv4
// pseudo-header for the given protocol and transport length.
func pseudoSumV4(src, dst [4]byte, proto uint8, length int) uint32 {
	var acc uint32
	acc = checksumSum(src[:], acc)
	acc = checksumSum(dst[:], acc)
	acc += uint32(proto)
	acc += uint32(length)
	return acc
}

// pseudoSumV6 returns the accumulator seeded with the IPv6
// pseudo-header for the given next header and transport length.
func pseudoSumV6(src, dst [16]byte, nextHeader uint8, length int) uint32 {
	var acc uint32
	acc = checksumSum(src[:], acc)
	acc = checksumSum(dst[:], acc)
	acc += uint32(length >> 16)
	acc += uint32(length & 0xffff)
	acc += uint32(nextHeader)
	return acc
}

// transportChecksum computes the full transport checksum over the
// given segment with a pseudo-header accumulator seed. The checksum
// field inside the segment must already be zeroed by the caller.
func transportChecksum(pseudo uint32, segment []byte) uint16 {
	return checksumFold(checksumSum(segment, pseudo))
}

// checksumAdjust incrementally updates the 16-bit checksum at field
// for a pseudo-header that changed from oldSum to newSum, per RFC
// 1624. Used for fragments whose transport payload is not fully
// present, where a full recompute is impossible.
func checksumAdjust(field []byte, oldSum, newSum uint32) {
	acc := uint32(^binary.BigEndian.Uint16(field)) & 0xffff
	// Subtract the old pseudo-header and add the new one.
	for oldSum>>16 != 0 {
		oldSum = (oldSum >> 16) + (oldSum & 0xffff)
	}
	for newSum>>16 != 0 {
		newSum = (newSum >> 16) + (newSum & 0xffff)
	}
	acc += 0xffff - oldSum
	acc += newSum
	binary.BigEndian.PutUint16(field, checksumFold(acc))
}

// ipv4HeaderChecksum computes the header checksum over hdr. The
// checksum field must already be zeroed.
func ipv4HeaderChecksum(hdr []byte) uint16 {
	return checksumFold(checksumSum(hdr, 0))
}
