package resource

import (
	"encoding/binary"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt is a Provider backed by a bbolt database, with one bucket per kind.
// Each value is the 8-byte big-endian stamp followed by the content; the stamp
// is taken from the bucket's sequence, so every Put yields a new stamp.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at the given path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, kind := range Kinds {
			if _, err := tx.CreateBucketIfNotExists(bucketName(kind)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error { return b.db.Close() }

// Put stores content under the given name and returns its new stamp.
func (b *Bolt) Put(kind Kind, name string, content []byte) (int64, error) {
	var seq uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(kind))
		var err error
		seq, err = bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(name), marshalValue(seq, content))
	})
	return int64(seq), err
}

// Delete removes a resource. Deleting a resource that doesn't exist is not an
// error.
func (b *Bolt) Delete(kind Kind, name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName(kind)).Delete([]byte(name))
	})
}

func (b *Bolt) Load(name string, kind Kind) (*Resource, error) {
	var r *Resource
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName(kind)).Get([]byte(name))
		if v == nil {
			return notFound(name, kind)
		}
		seq, content, err := unmarshalValue(v)
		if err != nil {
			return err
		}
		r = &Resource{name, content, int64(seq)}
		return nil
	})
	return r, err
}

func (b *Bolt) LoadAll(name string, kind Kind) ([]*Resource, error) {
	r, err := b.Load(name, kind)
	if errors.Is(err, ErrNotFound) {
		return []*Resource{}, nil
	} else if err != nil {
		return nil, err
	}
	return []*Resource{r}, nil
}

func (b *Bolt) List(kind Kind) ([]string, error) {
	names := []string{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName(kind)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

var errCorruptValue = errors.New("corrupt resource value")

func bucketName(kind Kind) []byte { return []byte(kind.String()) }

func marshalValue(seq uint64, content []byte) []byte {
	v := make([]byte, 8+len(content))
	binary.BigEndian.PutUint64(v, seq)
	copy(v[8:], content)
	return v
}

// The returned content is a copy, since values returned by bbolt are only
// valid during the transaction.
func unmarshalValue(v []byte) (uint64, []byte, error) {
	if len(v) < 8 {
		return 0, nil, errCorruptValue
	}
	content := make([]byte, len(v)-8)
	copy(content, v[8:])
	return binary.BigEndian.Uint64(v), content, nil
}
