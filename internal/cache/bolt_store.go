package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const boltFileName = "caches.db"

// NewBoltStorage 在 basePath/caches.db 打开（或创建）bbolt 数据库，每个具名缓存对应一个 bucket。
func NewBoltStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(abs, boltFileName), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt storage: %w", err)
	}
	return &boltStorage{db: db}, nil
}

type boltStorage struct {
	db *bbolt.DB
}

func (s *boltStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(name))
		return e
	}); err != nil {
		return nil, err
	}
	return &boltCache{db: s.db, name: name}, nil
}

func (s *boltStorage) Lookup(ctx context.Context, name string) (Cache, error) {
	found, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &boltCache{db: s.db, name: name}, nil
}

func (s *boltStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

func (s *boltStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return tx.DeleteBucket([]byte(name))
	})
	return existed, err
}

func (s *boltStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

func (s *boltStorage) Close() error {
	return s.db.Close()
}

type boltCache struct {
	db   *bbolt.DB
	name string
}

func (c *boltCache) Name() string {
	return c.name
}

func (c *boltCache) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	_, resp, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return resp, nil
}

func (c *boltCache) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	data, err := encodeRecord(key, resp)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(c.name))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (c *boltCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var existed bool
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	return existed, err
}

func (c *boltCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
