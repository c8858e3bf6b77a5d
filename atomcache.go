package torrent

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// atomCache persists Peer Atoms across restarts, the supplemented
// provenance=cache feature of SPEC_FULL.md (DESIGN.md): a fresh Torrent
// Context pre-seeds its registry from here rather than starting cold,
// grounded on the teacher's storage/sqlite bucket-per-key layout but backed
// by go.etcd.io/bbolt, a key/value store more in keeping with this data's
// shape (one bucket per torrent, one fixed-width record per atom).
type atomCache struct {
	db *bolt.DB
}

const atomRecordSize = 4 + 2 + 1 + 1 + 8 // addr.IP + port + banned + numFails + unix seconds

func openAtomCache(path string) (*atomCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening atom cache: %w", err)
	}
	return &atomCache{db: db}, nil
}

func bucketName(infoHash [20]byte) []byte {
	return infoHash[:]
}

// load returns the atoms previously saved for infoHash, with
// ProvenanceCache (spec.md §2's discovery provenances, extended per
// SPEC_FULL.md). A missing bucket (never saved before) yields nil, not an
// error.
func (c *atomCache) load(infoHash [20]byte) []*atom {
	var out []*atom
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(infoHash))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			a, err := decodeAtom(k, v)
			if err == nil {
				out = append(out, a)
			}
			return nil // skip a corrupt record rather than failing the whole load.
		})
	})
	return out
}

// save replaces infoHash's bucket with the current atom set.
func (c *atomCache) save(infoHash [20]byte, atoms map[uint32]*atom) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(infoHash)
		if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		for key, a := range atoms {
			k := make([]byte, 4)
			binary.BigEndian.PutUint32(k, key)
			if err := b.Put(k, encodeAtom(a)); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeAtom(a *atom) []byte {
	buf := make([]byte, atomRecordSize)
	copy(buf[0:4], a.addr.IP[:])
	binary.BigEndian.PutUint16(buf[4:6], a.addr.Port)
	if a.banned {
		buf[6] = 1
	}
	if a.numFails > 255 {
		buf[7] = 255
	} else {
		buf[7] = byte(a.numFails)
	}
	binary.BigEndian.PutUint64(buf[8:16], uint64(a.time.Unix()))
	return buf
}

func decodeAtom(key, v []byte) (*atom, error) {
	if len(v) != atomRecordSize {
		return nil, fmt.Errorf("atom cache: bad record length %d", len(v))
	}
	var addr Addr
	copy(addr.IP[:], v[0:4])
	addr.Port = binary.BigEndian.Uint16(v[4:6])
	a := newAtom(addr, ProvenanceCache, time.Unix(int64(binary.BigEndian.Uint64(v[8:16])), 0))
	a.banned = v[6] != 0
	a.numFails = int(v[7])
	return a, nil
}
