// Package key implements the fixed-width identifiers used to address nodes
// and lookup targets, and the XOR metric defined over them.
package key

import (
	"bytes"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	u "github.com/ipfs/go-ipfs-util"
	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-base32"
	mh "github.com/multiformats/go-multihash"
	ks "github.com/whyrusleeping/go-keyspace"
)

const (
	// Size is the length of an identifier in bytes.
	Size = 32
	// BitLen is the length of an identifier in bits.
	BitLen = Size * 8
)

// ErrInvalidLength is returned when building an ID from a byte slice of the wrong size.
var ErrInvalidLength = errors.New("key: invalid identifier length")

// ID is a 256-bit Kademlia identifier. IDs are comparable and may be used as map keys.
type ID [Size]byte

// Zero is the all-zero identifier.
var Zero ID

// FromBytes copies b into an ID. b must be exactly Size bytes long.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// FromPeerID derives the identifier of a libp2p peer by hashing its peer ID.
func FromPeerID(p peer.ID) ID {
	var id ID
	copy(id[:], kb.ConvertPeerID(p))
	return id
}

// Hash returns the SHA2-256 identifier of arbitrary data.
func Hash(data []byte) ID {
	h, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		// only fails for an unknown hash function or a bad length.
		panic("multihash failed to hash using SHA2_256.")
	}
	dh, err := mh.Decode(h)
	if err != nil {
		panic("multihash failed to decode a SHA2_256 digest.")
	}
	var id ID
	copy(id[:], dh.Digest)
	return id
}

// Random returns a uniformly random identifier.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// RandomWithCPL returns a random identifier sharing exactly cpl leading bits
// with self. cpl must be in [0, BitLen).
func RandomWithCPL(self ID, cpl int) ID {
	if cpl < 0 || cpl >= BitLen {
		panic("key: common prefix length out of range")
	}
	id := Random()
	// copy the shared prefix, flip the bit right after it
	for i := 0; i < cpl; i++ {
		id.setBit(i, self.Bit(i))
	}
	id.setBit(cpl, 1-self.Bit(cpl))
	return id
}

// Bit returns the i'th bit of the identifier, most significant first.
func (id ID) Bit(i int) uint {
	if i < 0 || i >= BitLen {
		panic("key: bit index out of range")
	}
	return uint(id[i/8]>>(7-i%8)) & 1
}

func (id *ID) setBit(i int, v uint) {
	mask := byte(1) << (7 - i%8)
	if v == 0 {
		id[i/8] &^= mask
	} else {
		id[i/8] |= mask
	}
}

// Xor returns the bitwise exclusive or of two identifiers.
func (id ID) Xor(o ID) ID {
	var x ID
	copy(x[:], u.XOR(id[:], o[:]))
	return x
}

// Distance returns the XOR distance between id and o as an unsigned magnitude.
func (id ID) Distance(o ID) *big.Int {
	return id.keyspaceKey().Distance(o.keyspaceKey())
}

func (id ID) keyspaceKey() ks.Key {
	return ks.Key{Space: ks.XORKeySpace, Original: id[:], Bytes: id[:]}
}

// CommonPrefixLen returns the number of leading bits id shares with o.
// The CommonPrefixLen of an identifier with itself is BitLen.
func (id ID) CommonPrefixLen(o ID) int {
	return CommonPrefixLen(id, o)
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b ID) int {
	return kb.CommonPrefixLen(kb.ID(a[:]), kb.ID(b[:]))
}

// CompareDistance compares the distances of a and b to target. It returns -1
// if a is closer, +1 if b is closer and 0 if they are equally distant.
func CompareDistance(a, b, target ID) int {
	da, db := a.Xor(target), b.Xor(target)
	return bytes.Compare(da[:], db[:])
}

// Closer reports whether a is strictly closer to target than b.
func Closer(a, b, target ID) bool {
	return CompareDistance(a, b, target) < 0
}

// IsZero reports whether id is the zero identifier.
func (id ID) IsZero() bool {
	return id == Zero
}

// String returns the lowercase base32 representation of the identifier.
func (id ID) String() string {
	return strings.ToLower(base32.RawStdEncoding.EncodeToString(id[:]))
}

// ShortString returns a short prefix of String for logs and dumps.
func (id ID) ShortString() string {
	return id.String()[:8]
}
