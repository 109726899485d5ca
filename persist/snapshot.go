package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	ds "github.com/ipfs/go-datastore"
	nsds "github.com/ipfs/go-datastore/namespace"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
)

const snapshotVersion = 1

var (
	dsSnapshotKey = ds.NewKey("routing_table")

	// ErrInvalidSnapshot is returned when a stored snapshot cannot be decoded.
	ErrInvalidSnapshot = errors.New("invalid routing table snapshot")
)

type dsSnapshotter struct {
	ds.Datastore
}

var _ Snapshotter = (*dsSnapshotter)(nil)

// NewDatastoreSnapshotter returns a Snapshotter backed by a datastore, under the specified non-optional namespace.
func NewDatastoreSnapshotter(dstore ds.Datastore, namespace string) (Snapshotter, error) {
	if dstore == nil {
		return nil, errors.New("datastore is nil when creating a datastore snapshotter")
	}
	if namespace == "" {
		return nil, errors.New("blank namespace when creating a datastore snapshotter")
	}
	dstore = nsds.Wrap(dstore, ds.NewKey(namespace))
	return &dsSnapshotter{dstore}, nil
}

// The snapshot is a sequence of varint length prefixed messages. The first
// one holds the format version and the time the snapshot was taken, every
// following one a contact: its 32 byte identifier, the varint length of its
// binary multiaddr followed by the multiaddr, and the varint unix time in
// seconds it was last seen.

func (dsp *dsSnapshotter) Load(ctx context.Context) ([]kbucket.Contact, error) {
	val, err := dsp.Get(ctx, dsSnapshotKey)
	switch err {
	case nil:
	case ds.ErrNotFound:
		return nil, nil
	default:
		return nil, err
	}

	r := msgio.NewVarintReaderSize(bytes.NewReader(val), len(val))
	header, err := r.ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %s", ErrInvalidSnapshot, err)
	}
	version, n, err := varint.FromUvarint(header)
	if err != nil {
		return nil, fmt.Errorf("%w: reading version: %s", ErrInvalidSnapshot, err)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, version)
	}
	if taken, _, err := varint.FromUvarint(header[n:]); err == nil {
		logSnapshot.Debugw("loading routing table snapshot", "taken", time.Unix(int64(taken), 0))
	}

	var result []kbucket.Contact
	for {
		msg, err := r.ReadMsg()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("%w: %s", ErrInvalidSnapshot, err)
		}
		c, err := decodeContact(msg)
		if err != nil {
			logSnapshot.Warnw("encountered invalid contact while restoring routing table snapshot", "error", err)
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (dsp *dsSnapshotter) Store(ctx context.Context, rt *kbucket.RoutingTable) error {
	var buf bytes.Buffer
	w := msgio.NewVarintWriter(&buf)

	header := append(varint.ToUvarint(snapshotVersion), varint.ToUvarint(uint64(time.Now().Unix()))...)
	if err := w.WriteMsg(header); err != nil {
		return err
	}
	for _, c := range rt.ListContacts() {
		if err := w.WriteMsg(encodeContact(c)); err != nil {
			return err
		}
	}
	return dsp.Put(ctx, dsSnapshotKey, buf.Bytes())
}

func encodeContact(c kbucket.Contact) []byte {
	var addr []byte
	if c.Addr != nil {
		addr = c.Addr.Bytes()
	}
	out := make([]byte, 0, key.Size+len(addr)+2*varint.MaxLenUvarint63)
	out = append(out, c.ID[:]...)
	out = append(out, varint.ToUvarint(uint64(len(addr)))...)
	out = append(out, addr...)
	var seen uint64
	if !c.LastSeen.IsZero() && c.LastSeen.Unix() > 0 {
		seen = uint64(c.LastSeen.Unix())
	}
	return append(out, varint.ToUvarint(seen)...)
}

func decodeContact(b []byte) (kbucket.Contact, error) {
	if len(b) < key.Size {
		return kbucket.Contact{}, fmt.Errorf("contact record too short: %d bytes", len(b))
	}
	id, err := key.FromBytes(b[:key.Size])
	if err != nil {
		return kbucket.Contact{}, err
	}
	b = b[key.Size:]

	alen, n, err := varint.FromUvarint(b)
	if err != nil {
		return kbucket.Contact{}, err
	}
	b = b[n:]
	if uint64(len(b)) < alen {
		return kbucket.Contact{}, fmt.Errorf("truncated address: want %d bytes, have %d", alen, len(b))
	}
	var addr ma.Multiaddr
	if alen > 0 {
		if addr, err = ma.NewMultiaddrBytes(b[:alen]); err != nil {
			return kbucket.Contact{}, err
		}
	}
	b = b[alen:]

	c := kbucket.NewContact(id, addr)
	if seen, _, err := varint.FromUvarint(b); err == nil && seen > 0 {
		c.LastSeen = time.Unix(int64(seen), 0)
	}
	return c, nil
}
