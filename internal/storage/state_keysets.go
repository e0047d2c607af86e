package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	bolt "go.etcd.io/bbolt"
	"google.golang.org/protobuf/proto"
	"lds.li/tinkrotate"
	tinkrotatev1 "lds.li/tinkrotate/proto/tinkrotate/v1"
)

var _ tinkrotate.ManagedStore = (*KeysetStore)(nil)

const (
	// Bucket name for the signing keysets
	bucketKeysets = "keysets"
)

// KeysetStore implements tinkrotate.ManagedStore using BoltDB. Each record
// carries a version used for optimistic locking by the rotator.
type KeysetStore struct {
	dbAccessor *dbAccessor
}

func NewKeysetStore(s *State) *KeysetStore {
	return &KeysetStore{dbAccessor: s.dbAccessor}
}

type storedKeyset struct {
	Handle   []byte `json:"handle"`
	Metadata []byte `json:"metadata"` // protobuf KeyRotationMetadata
	Version  int64  `json:"version"`
}

func (s *storedKeyset) decode() (*tinkrotate.ReadResult, error) {
	handle, err := insecurecleartextkeyset.Read(keyset.NewBinaryReader(bytes.NewReader(s.Handle)))
	if err != nil {
		return nil, fmt.Errorf("read keyset handle: %w", err)
	}
	metadata := &tinkrotatev1.KeyRotationMetadata{}
	if err := proto.Unmarshal(s.Metadata, metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &tinkrotate.ReadResult{Handle: handle, Metadata: metadata, Context: s.Version}, nil
}

func encodeKeyset(handle *keyset.Handle, metadata *tinkrotatev1.KeyRotationMetadata) (*storedKeyset, error) {
	md, err := proto.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata protobuf: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := insecurecleartextkeyset.Write(handle, keyset.NewBinaryWriter(buf)); err != nil {
		return nil, fmt.Errorf("write cleartext keyset: %w", err)
	}
	return &storedKeyset{Handle: buf.Bytes(), Metadata: md}, nil
}

// GetHandle returns the current handle for the named keyset.
func (k *KeysetStore) GetHandle(ctx context.Context, keysetName string) (*keyset.Handle, error) {
	result, err := k.ReadKeysetAndMetadata(ctx, keysetName)
	if err != nil {
		return nil, err
	}
	return result.Handle, nil
}

// GetPublicHandle returns the named keyset with only public key material.
func (k *KeysetStore) GetPublicHandle(ctx context.Context, keysetName string) (*keyset.Handle, error) {
	handle, err := k.GetHandle(ctx, keysetName)
	if err != nil {
		return nil, err
	}
	return handle.Public()
}

// ReadKeysetAndMetadata reads a keyset and its rotation metadata.
func (k *KeysetStore) ReadKeysetAndMetadata(ctx context.Context, keysetName string) (*tinkrotate.ReadResult, error) {
	db, release := k.dbAccessor.db()
	defer release()

	var stored *storedKeyset
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketKeysets))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(keysetName))
		if data == nil {
			return nil
		}
		stored = new(storedKeyset)
		if err := json.Unmarshal(data, stored); err != nil {
			return fmt.Errorf("unmarshal keyset %s: %w", keysetName, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return &tinkrotate.ReadResult{Context: int64(0)}, tinkrotate.ErrKeysetNotFound
	}

	result, err := stored.decode()
	if err != nil {
		return nil, fmt.Errorf("decode keyset %s: %w", keysetName, err)
	}
	reportKeysetMetrics(keysetName, result.Handle, result.Metadata)
	return result, nil
}

// WriteKeysetAndMetadata stores a keyset. A nil expectedContext inserts,
// otherwise it must equal the stored version.
func (k *KeysetStore) WriteKeysetAndMetadata(ctx context.Context, keysetName string, handle *keyset.Handle, metadata *tinkrotatev1.KeyRotationMetadata, expectedContext any) error {
	if handle == nil || metadata == nil {
		return errors.New("handle and metadata cannot be nil for writing")
	}
	stored, err := encodeKeyset(handle, metadata)
	if err != nil {
		return fmt.Errorf("encode keyset %s: %w", keysetName, err)
	}

	db, release := k.dbAccessor.db()
	defer release()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketKeysets))
		if bucket == nil {
			return fmt.Errorf("keysets bucket does not exist")
		}

		current, err := currentVersion(bucket, keysetName)
		if err != nil {
			return err
		}
		switch {
		case expectedContext == nil && current != 0:
			return tinkrotate.ErrOptimisticLockFailed
		case expectedContext != nil:
			want, ok := expectedContext.(int64)
			if !ok {
				return fmt.Errorf("invalid expectedContext type: expected int64, got %T", expectedContext)
			}
			if current == 0 || current != want {
				return tinkrotate.ErrOptimisticLockFailed
			}
		}
		stored.Version = current + 1

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal stored keyset: %w", err)
		}
		return bucket.Put([]byte(keysetName), data)
	})
	if err != nil {
		return err
	}
	reportKeysetMetrics(keysetName, handle, metadata)
	return nil
}

// currentVersion returns the stored version of the keyset, or 0 if absent.
func currentVersion(bucket *bolt.Bucket, keysetName string) (int64, error) {
	data := bucket.Get([]byte(keysetName))
	if data == nil {
		return 0, nil
	}
	var existing storedKeyset
	if err := json.Unmarshal(data, &existing); err != nil {
		return 0, fmt.Errorf("unmarshal existing keyset: %w", err)
	}
	return existing.Version, nil
}

// ForEachKeyset calls fn for each keyset name in the store.
func (k *KeysetStore) ForEachKeyset(ctx context.Context, fn func(keysetName string) error) error {
	names, err := k.keysetNames()
	if err != nil {
		return err
	}
	// fn may write, which would deadlock against an open read transaction.
	for _, name := range names {
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeysetStore) keysetNames() ([]string, error) {
	db, release := k.dbAccessor.db()
	defer release()

	var names []string
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketKeysets))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}
