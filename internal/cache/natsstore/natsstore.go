// Package natsstore is a durable cache tier in a NATS JetStream object store
// bucket, which lets several narrator instances share one cache.
package natsstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the bucket used when none is configured.
const DefaultBucket = "narrator-audio"

// Store implements cache.Store on a JetStream object store.
type Store struct {
	bucket string
	store  jetstream.ObjectStore
}

// New creates the bucket on js, or binds to it if it already exists.
func New(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	store, err := js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Synthesized audio keyed by request fingerprint.",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("natsstore: create bucket %q: %w", bucket, err)
		}
		store, err = js.ObjectStore(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("natsstore: bind bucket %q: %w", bucket, err)
		}
	}
	return &Store{bucket: bucket, store: store}, nil
}

// Connect dials url and opens the store in bucket. The returned close
// function drains the connection.
func Connect(ctx context.Context, url, bucket string) (*Store, func() error, error) {
	nc, err := nats.Connect(url, nats.Name("narrator"))
	if err != nil {
		return nil, nil, fmt.Errorf("natsstore: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("natsstore: jetstream: %w", err)
	}
	s, err := New(ctx, js, bucket)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return s, nc.Drain, nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	data, err := s.store.GetBytes(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("natsstore: get %q from %q: %w", fingerprint, s.bucket, err)
	}
	return data, true, nil
}

// Put implements cache.Store. An existing object is left untouched.
func (s *Store) Put(ctx context.Context, fingerprint string, data []byte) error {
	if _, err := s.store.GetInfo(ctx, fingerprint); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("natsstore: stat %q in %q: %w", fingerprint, s.bucket, err)
	}
	if _, err := s.store.PutBytes(ctx, fingerprint, data); err != nil {
		return fmt.Errorf("natsstore: put %q to %q: %w", fingerprint, s.bucket, err)
	}
	return nil
}

// Ping reports whether the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.store.Status(ctx); err != nil {
		return fmt.Errorf("natsstore: status %q: %w", s.bucket, err)
	}
	return nil
}
