package eventlog

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
)

// Well-known checkpoint names.
const (
	CheckpointWriter      = "writer"
	CheckpointReplication = "replication"
	CheckpointIndex       = "index"
)

// Checkpoint is a durable log position. Write only changes the in-memory
// value; Flush persists it. Read returns the last flushed value.
type Checkpoint interface {
	Name() string
	Write(v int64)
	Flush() error
	Read() int64
	ReadNonFlushed() int64
}

// DBCheckpoint persists its value under chk/{name} in Pebble.
type DBCheckpoint struct {
	db   *pebblestore.DB
	name string
	key  []byte

	mu      sync.Mutex
	last    int64
	flushed int64
}

// OpenCheckpoint loads the named checkpoint, or starts it at initial.
func OpenCheckpoint(db *pebblestore.DB, name string, initial int64) (*DBCheckpoint, error) {
	c := &DBCheckpoint{db: db, name: name, key: KeyCheckpoint(name), last: initial, flushed: initial}
	cur, err := db.Get(c.key)
	switch {
	case err == nil && len(cur) >= 8:
		v := int64(binary.BigEndian.Uint64(cur[:8]))
		c.last, c.flushed = v, v
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, errors.Wrapf(err, "load checkpoint %s", name)
	}
	return c, nil
}

func (c *DBCheckpoint) Name() string { return c.name }

func (c *DBCheckpoint) Write(v int64) {
	c.mu.Lock()
	c.last = v
	c.mu.Unlock()
}

func (c *DBCheckpoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == c.flushed {
		return nil
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(c.last))
	if err := c.db.Set(c.key, b[:]); err != nil {
		return errors.Wrapf(err, "flush checkpoint %s", c.name)
	}
	c.flushed = c.last
	return nil
}

func (c *DBCheckpoint) Read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}

func (c *DBCheckpoint) ReadNonFlushed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// writeInBatch stages v into b; the caller calls markFlushed after committing b.
func (c *DBCheckpoint) writeInBatch(b *pebble.Batch, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return b.Set(c.key, buf[:], nil)
}

func (c *DBCheckpoint) markFlushed(v int64) {
	c.mu.Lock()
	c.last, c.flushed = v, v
	c.mu.Unlock()
}

// MemCheckpoint is an in-memory Checkpoint.
type MemCheckpoint struct {
	name string

	mu      sync.Mutex
	last    int64
	flushed int64
}

// NewMemCheckpoint returns an in-memory checkpoint starting at initial.
func NewMemCheckpoint(name string, initial int64) *MemCheckpoint {
	return &MemCheckpoint{name: name, last: initial, flushed: initial}
}

func (c *MemCheckpoint) Name() string { return c.name }

func (c *MemCheckpoint) Write(v int64) {
	c.mu.Lock()
	c.last = v
	c.mu.Unlock()
}

func (c *MemCheckpoint) Flush() error {
	c.mu.Lock()
	c.flushed = c.last
	c.mu.Unlock()
	return nil
}

func (c *MemCheckpoint) Read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}

func (c *MemCheckpoint) ReadNonFlushed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
