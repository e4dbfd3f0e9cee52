package db

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/zzenonn/zcrush/internal/domain"
	zerrors "github.com/zzenonn/zcrush/internal/errors"
)

// BoltCatalog keeps the catalog in a local bbolt file. Each cluster gets a
// bucket keyed by big-endian epoch, so cursor order is epoch order.
type BoltCatalog struct {
	db *bbolt.DB
}

var recordEnc cbor.EncMode

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	recordEnc, err = opts.EncMode()
	if err != nil {
		panic("db: CBOR encoder initialization failed: " + err.Error())
	}
}

// NewBoltCatalog opens (or creates) the catalog file at path.
func NewBoltCatalog(path string) (*BoltCatalog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("can't open bbolt at %s: %w", path, err)
	}
	log.Debugf("Opened epoch catalog %s", path)
	return &BoltCatalog{db: db}, nil
}

func epochKey(epoch uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, epoch)
	return k
}

func decodeRecord(v []byte) (domain.EpochRecord, error) {
	var rec domain.EpochRecord
	if err := cbor.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("failed to unmarshal epoch record: %w", err)
	}
	return rec, nil
}

// Record stores rec under its cluster.
func (c *BoltCatalog) Record(_ context.Context, rec domain.EpochRecord) error {
	v, err := recordEnc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal epoch record: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(rec.Cluster))
		if err != nil {
			return fmt.Errorf("can't create catalog bucket: %w", err)
		}
		if last, _ := b.Cursor().Last(); last != nil && binary.BigEndian.Uint64(last) >= rec.Epoch {
			return fmt.Errorf("%w: %d <= %d", zerrors.ErrStaleEpoch, rec.Epoch, binary.BigEndian.Uint64(last))
		}
		return b.Put(epochKey(rec.Epoch), v)
	})
}

// Get returns one epoch.
func (c *BoltCatalog) Get(_ context.Context, cluster string, epoch uint64) (domain.EpochRecord, error) {
	var rec domain.EpochRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cluster))
		if b == nil {
			return fmt.Errorf("%w: epoch %d of %q", zerrors.ErrNotFound, epoch, cluster)
		}
		v := b.Get(epochKey(epoch))
		if v == nil {
			return fmt.Errorf("%w: epoch %d of %q", zerrors.ErrNotFound, epoch, cluster)
		}
		var err error
		rec, err = decodeRecord(v)
		return err
	})
	return rec, err
}

// Latest returns the newest epoch.
func (c *BoltCatalog) Latest(_ context.Context, cluster string) (domain.EpochRecord, error) {
	var rec domain.EpochRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cluster))
		if b == nil {
			return fmt.Errorf("%w: no epochs for %q", zerrors.ErrNotFound, cluster)
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return fmt.Errorf("%w: no epochs for %q", zerrors.ErrNotFound, cluster)
		}
		var err error
		rec, err = decodeRecord(v)
		return err
	})
	return rec, err
}

// List returns every epoch of cluster, oldest first.
func (c *BoltCatalog) List(_ context.Context, cluster string) ([]domain.EpochRecord, error) {
	var recs []domain.EpochRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cluster))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// Close closes the catalog file.
func (c *BoltCatalog) Close() error {
	return c.db.Close()
}
