package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc64"
	"io"
	"os"
	"time"

	"github.com/spineldb/spineldb/internal/spinelerr"
	"github.com/spineldb/spineldb/internal/storage"
)

// Load reads path, verifies its trailing CRC up front (spec §4.8 "the
// loader verifies CRC up front and rejects mismatches"), and replays its
// value records into dbs. Per-key expiries are resolved relative to now
// (wall-clock at load time); already-expired entries are dropped rather
// than inserted (spec §4.8 "dropping already-expired entries").
func Load(path string, dbs []*storage.Database) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(raw) < len(magic)+4+8 {
		return spinelerr.New(spinelerr.Internal, "snapshot file too short")
	}

	body := raw[:len(raw)-8]
	wantCRC := binary.BigEndian.Uint64(raw[len(raw)-8:])
	gotCRC := crc64.Checksum(body, crcTable)
	if gotCRC != wantCRC {
		return spinelerr.New(spinelerr.Internal, "snapshot CRC mismatch: file is corrupt")
	}

	r := bufio.NewReader(bytes.NewReader(body))
	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(r, hdr); err != nil || string(hdr) != magic {
		return spinelerr.New(spinelerr.Internal, "snapshot magic mismatch")
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return err
	}

	now := timeNow()
	currentDB := 0
	var pendingExpiry time.Time

	for {
		op, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch op {
		case opEOF:
			return nil
		case opSelectDB:
			idx, err := readLength(r)
			if err != nil {
				return err
			}
			if int(idx) >= len(dbs) {
				return spinelerr.New(spinelerr.Internal, "snapshot references out-of-range database %d", idx)
			}
			currentDB = int(idx)
		case opResizeDB:
			if _, err := readLength(r); err != nil {
				return err
			}
			if _, err := readLength(r); err != nil {
				return err
			}
		case opExpireTimeMS:
			var ms uint64
			if err := binary.Read(r, binary.LittleEndian, &ms); err != nil {
				return err
			}
			pendingExpiry = time.UnixMilli(int64(ms))
		default:
			key, v, err := readValueRecord(r, op)
			if err != nil {
				return err
			}
			if !pendingExpiry.IsZero() {
				v.Expiry = pendingExpiry
				pendingExpiry = time.Time{}
				if v.IsExpired(now) {
					continue
				}
			}
			db := dbs[currentDB]
			db.ShardFor(key).Put(key, v, nil)
		}
	}
	return nil
}

func readLength(r *bufio.Reader) (uint64, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch {
	case b0>>6 == 0:
		return uint64(b0 & 0x3F), nil
	case b0>>6 == 1:
		b1, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint64(b0&0x3F)<<8 | uint64(b1), nil
	case b0 == 0x80:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case b0 == 0x81:
		var n uint64
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return 0, err
		}
		return n, nil
	default:
		return 0, spinelerr.New(spinelerr.Internal, "snapshot: invalid length prefix 0x%x", b0)
	}
}

func readString(r *bufio.Reader) ([]byte, error) {
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readValueRecord(r *bufio.Reader, typeTag byte) (string, *storage.StoredValue, error) {
	keyBytes, err := readString(r)
	if err != nil {
		return "", nil, err
	}
	key := string(keyBytes)

	v := &storage.StoredValue{}
	switch typeTag {
	case typeString:
		v.Kind = storage.KindString
		v.Str, err = readString(r)
	case typeList:
		v.Kind = storage.KindList
		var n uint64
		n, err = readLength(r)
		if err != nil {
			break
		}
		v.List = make([][]byte, 0, n)
		for i := uint64(0); i < n; i++ {
			var elem []byte
			elem, err = readString(r)
			if err != nil {
				break
			}
			v.List = append(v.List, elem)
		}
	case typeHash:
		v.Kind = storage.KindHash
		var n uint64
		n, err = readLength(r)
		if err != nil {
			break
		}
		v.Hash = make(map[string][]byte, n)
		for i := uint64(0); i < n; i++ {
			var field, val []byte
			if field, err = readString(r); err != nil {
				break
			}
			if val, err = readString(r); err != nil {
				break
			}
			v.Hash[string(field)] = val
		}
	case typeSet:
		v.Kind = storage.KindSet
		var n uint64
		n, err = readLength(r)
		if err != nil {
			break
		}
		members := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			var m []byte
			if m, err = readString(r); err != nil {
				break
			}
			members = append(members, string(m))
		}
		v.SetVal = storage.NewSet(members...)
	case typeSortedSet:
		v.Kind = storage.KindSortedSet
		var n uint64
		n, err = readLength(r)
		if err != nil {
			break
		}
		v.ZSet = storage.NewSortedSet()
		for i := uint64(0); i < n; i++ {
			var m []byte
			var score float64
			if m, err = readString(r); err != nil {
				break
			}
			if err = binary.Read(r, binary.BigEndian, &score); err != nil {
				break
			}
			v.ZSet.Add(string(m), score)
		}
	default:
		return "", nil, spinelerr.New(spinelerr.Internal, "snapshot: unknown value type tag 0x%x", typeTag)
	}
	if err != nil {
		return "", nil, err
	}
	return key, v, nil
}
