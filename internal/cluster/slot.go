// Package cluster implements spec §4.13-4.15: hash-slot sharding, node
// gossip and failure detection, and quorum-fenced failover. Grounded on
// original_source/src/core/cluster/{slot.rs,gossip.rs,failover.rs,state.rs}
// for the algorithms; the coordination backbone itself is reimplemented on
// top of the teacher's own `github.com/hashicorp/raft` stack (see
// raft_setup.go) rather than the original's hand-rolled epoch-vote gossip,
// since the teacher already solves "quorum-safe agreement on a shared
// state machine" with that library (pkg/manager/{manager,fsm}.go).
package cluster

import "strings"

// NumSlots is the total number of hash slots in the cluster (spec §4.13).
const NumSlots = 16384

// crc16Table is the reflected CRC-16/USB table: poly 0x8005 (reversed
// 0xA001), init 0xFFFF, xorout 0xFFFF — the exact algorithm
// original_source/src/core/cluster/slot.rs uses via the `crc` crate's
// CRC_16_USB constant. No pack repo imports a third-party CRC16 library;
// the table is generated once at init from the well-known reversed
// polynomial, the same level of "roll it yourself" the corpus accepts for
// CRC32/CRC64 elsewhere (e.g. this module's own internal/snapshot use of
// stdlib hash/crc64).
var crc16Table [256]uint16

func init() {
	const polyReversed = 0xA001
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polyReversed
			} else {
				crc >>= 1
			}
		}
		crc16Table[i] = crc
	}
}

func crc16USB(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[byte(crc)^b]
	}
	return crc ^ 0xFFFF
}

// GetSlot computes the hash slot for key (spec §4.13): if key contains a
// non-empty "{tag}" hash-tag substring, only the tag's contents are
// hashed, letting callers force related keys onto the same slot; otherwise
// the whole key is hashed.
func GetSlot(key string) uint16 {
	if start := strings.IndexByte(key, '{'); start >= 0 {
		if end := strings.IndexByte(key[start+1:], '}'); end >= 0 {
			absEnd := start + 1 + end
			if absEnd > start+1 {
				return crc16USB([]byte(key[start+1:absEnd])) % NumSlots
			}
		}
	}
	return crc16USB([]byte(key)) % NumSlots
}
