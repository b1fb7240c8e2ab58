package cachestore

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>                 -> gob(genMeta)
//	e:<generation>\x00<identity>   -> gob(Entry)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
)

type genMeta struct {
	CreatedAt int64
	Size      int64
}

type diskOp struct {
	createGen string
	deleteGen string
	putGen    string
	recs      []Record

	done chan diskResult
}

type diskResult struct {
	existed bool
	err     error
}

// LevelDB is the on-disk Store. All writes are serialised through a single
// writer goroutine; reads go straight to the database, with an optional RAM
// LRU in front.
type LevelDB struct {
	db  *leveldb.DB
	ram *ramCache

	mu    sync.Mutex
	index map[string]genMeta
	// epochs changes whenever a generation is created, written or deleted. RAM
	// fills from a read that raced with one of those are dropped.
	epochs    map[string]uint64
	nextEpoch uint64

	ops       chan diskOp
	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// OpenLevelDB opens (or creates) a database at path. ramMax bounds the
// in-memory read cache; zero disables it.
func OpenLevelDB(path string, ramMax int64) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	d := &LevelDB{
		db:    db,
		ram:   newRAMCache(ramMax),
		index:  map[string]genMeta{},
		epochs: map[string]uint64{},
		ops:    make(chan diskOp, 1024),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	idx := map[string]genMeta{}
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		var meta genMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[name] = meta
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	for name := range idx {
		d.bumpEpochLocked(name)
	}
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) bumpEpochLocked(name string) {
	d.nextEpoch++
	d.epochs[name] = d.nextEpoch
}

func (d *LevelDB) epoch(name string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epochs[name]
}

// fillRAM caches ent unless the generation was created or deleted since
// the read that produced it.
func (d *LevelDB) fillRAM(name string, epoch uint64, key string, ent Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.epochs[name] != epoch {
		return
	}
	d.ram.Put(ramKey(name, key), ent)
}

func (d *LevelDB) submit(ctx context.Context, op diskOp) (diskResult, error) {
	op.done = make(chan diskResult, 1)
	select {
	case <-d.quit:
		return diskResult{}, ErrClosed
	default:
	}
	select {
	case d.ops <- op:
	case <-d.quit:
		return diskResult{}, ErrClosed
	case <-ctx.Done():
		return diskResult{}, ctx.Err()
	}
	select {
	case res := <-op.done:
		return res, res.err
	case <-d.done:
		return diskResult{}, ErrClosed
	case <-ctx.Done():
		return diskResult{}, ctx.Err()
	}
}

func (d *LevelDB) Open(ctx context.Context, name string) (Generation, error) {
	if ok, _ := d.Has(ctx, name); !ok {
		if _, err := d.submit(ctx, diskOp{createGen: name}); err != nil {
			return nil, err
		}
	}
	return &levelGeneration{store: d, name: name}, nil
}

func (d *LevelDB) Has(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[name]
	return ok, nil
}

func (d *LevelDB) Names(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for n := range d.index {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (d *LevelDB) Delete(ctx context.Context, name string) (bool, error) {
	res, err := d.submit(ctx, diskOp{deleteGen: name})
	if err != nil {
		return false, err
	}
	return res.existed, nil
}

// TotalSize is the encoded size of all stored entries.
func (d *LevelDB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for _, m := range d.index {
		total += m.Size
	}
	return total
}

// RAMSize is the size of the in-memory read cache.
func (d *LevelDB) RAMSize() int64 { return d.ram.TotalSize() }

// Close stops the writer and closes the database. Later writes fail with
// ErrClosed.
func (d *LevelDB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.quit)
		<-d.done
		err = d.db.Close()
	})
	return err
}

func (d *LevelDB) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		var op diskOp
		select {
		case <-d.quit:
			return
		case op = <-d.ops:
		}
		var res diskResult
		switch {
		case op.createGen != "":
			res.err = d.applyCreate(op.createGen)
		case op.deleteGen != "":
			res.existed, res.err = d.applyDelete(op.deleteGen)
		case op.putGen != "":
			res.err = d.applyPut(op.putGen, op.recs)
		}
		op.done <- res
	}
}

func (d *LevelDB) applyCreate(name string) error {
	d.mu.Lock()
	_, ok := d.index[name]
	d.mu.Unlock()
	if ok {
		return nil
	}
	meta := genMeta{CreatedAt: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	if err := d.db.Put([]byte(genPrefix+name), mb, nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.index[name] = meta
	d.bumpEpochLocked(name)
	d.mu.Unlock()
	d.ram.DropPrefix(ramKey(name, ""))
	return nil
}

func (d *LevelDB) applyPut(name string, recs []Record) error {
	d.mu.Lock()
	meta, ok := d.index[name]
	d.mu.Unlock()
	if !ok {
		return ErrGenerationGone
	}

	batch := new(leveldb.Batch)
	encoded := make([][]byte, len(recs))
	for i, r := range recs {
		b, err := encodeGob(r.Entry)
		if err != nil {
			return fmt.Errorf("encode %q: %w", r.Key, err)
		}
		encoded[i] = b
		k := entryKey(name, r.Key)
		if old, err := d.db.Get(k, nil); err == nil {
			meta.Size -= int64(len(old))
		}
		meta.Size += int64(len(b))
		batch.Put(k, b)
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	batch.Put([]byte(genPrefix+name), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.index[name] = meta
	d.bumpEpochLocked(name)
	d.mu.Unlock()
	for _, r := range recs {
		d.ram.Put(ramKey(name, r.Key), r.Entry)
	}
	return nil
}

func (d *LevelDB) applyDelete(name string) (bool, error) {
	d.mu.Lock()
	_, existed := d.index[name]
	d.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + name))
	it := d.db.NewIterator(util.BytesPrefix(entryKey(name, "")), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return existed, err
	}
	if err := d.db.Write(batch, nil); err != nil {
		return existed, err
	}

	d.mu.Lock()
	delete(d.index, name)
	d.bumpEpochLocked(name)
	d.mu.Unlock()
	d.ram.DropPrefix(ramKey(name, ""))
	return existed, nil
}

func entryKey(gen, key string) []byte {
	return []byte(entryPrefix + gen + "\x00" + key)
}

type levelGeneration struct {
	store *LevelDB
	name  string
}

func (g *levelGeneration) Name() string { return g.name }

func (g *levelGeneration) Match(_ context.Context, key string) (Entry, bool, error) {
	if ent, ok := g.store.ram.Get(ramKey(g.name, key)); ok {
		return ent, true, nil
	}
	epoch := g.store.epoch(g.name)
	b, err := g.store.db.Get(entryKey(g.name, key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	g.store.fillRAM(g.name, epoch, key, ent)
	return ent, true, nil
}

func (g *levelGeneration) Put(ctx context.Context, key string, ent Entry) error {
	return g.PutBatch(ctx, []Record{{Key: key, Entry: ent}})
}

func (g *levelGeneration) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := g.store.submit(ctx, diskOp{putGen: g.name, recs: recs})
	return err
}

func (g *levelGeneration) Keys(_ context.Context) ([]string, error) {
	prefix := entryKey(g.name, "")
	it := g.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
