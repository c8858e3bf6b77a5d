package torrent

import "fmt"

// PEX flag bits, per spec.md §6 "PEX compact decoding".
const (
	pexFlagEncryption byte = 0x01
	pexFlagSeed       byte = 0x02
)

// PEXEntry is one decoded compact-PEX record.
type PEXEntry struct {
	Addr  Addr
	Flags byte
}

func (e PEXEntry) Encrypted() bool { return e.Flags&pexFlagEncryption != 0 }
func (e PEXEntry) Seed() bool      { return e.Flags&pexFlagSeed != 0 }

// CompactToPEX implements the "PEX compact decoding" entry point of spec.md
// §6. addrs is a concatenation of 6-byte records (4-byte IPv4 address,
// network order, followed by a 2-byte port, network order). flagsBytes, if
// non-nil and exactly len(addrs)/6 bytes long, supplies one flags byte per
// entry; otherwise every entry's flags default to zero.
func CompactToPEX(addrs []byte, flagsBytes []byte) ([]PEXEntry, error) {
	if len(addrs)%6 != 0 {
		return nil, fmt.Errorf("compact PEX addrs length %d not a multiple of 6", len(addrs))
	}
	n := len(addrs) / 6
	useFlags := len(flagsBytes) == n
	entries := make([]PEXEntry, n)
	for i := 0; i < n; i++ {
		rec := addrs[i*6 : i*6+6]
		var e PEXEntry
		copy(e.Addr.IP[:], rec[0:4])
		e.Addr.Port = uint16(rec[4])<<8 | uint16(rec[5])
		if useFlags {
			e.Flags = flagsBytes[i]
		}
		entries[i] = e
	}
	return entries, nil
}

// PEXToCompact is the inverse of CompactToPEX, re-encoding a decoded list
// back into compact address bytes and a parallel flags slice. Round-tripping
// well-formed input through CompactToPEX then PEXToCompact yields the
// original bytes, per spec.md §8.
func PEXToCompact(entries []PEXEntry) (addrs []byte, flagsBytes []byte) {
	addrs = make([]byte, len(entries)*6)
	flagsBytes = make([]byte, len(entries))
	for i, e := range entries {
		rec := addrs[i*6 : i*6+6]
		copy(rec[0:4], e.Addr.IP[:])
		rec[4] = byte(e.Addr.Port >> 8)
		rec[5] = byte(e.Addr.Port)
		flagsBytes[i] = e.Flags
	}
	return addrs, flagsBytes
}
