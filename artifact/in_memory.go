package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/agentbridge/backend"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
)

// StoreOptions configures an InMemoryStore.
type StoreOptions struct {
	// MaxBytes bounds the size of a single file. 0 means no limit.
	MaxBytes int64
	Logger   logging.Logger
}

type entry struct {
	ref  core.FileRef
	data []byte
}

// InMemoryStore indexes the files attached to replies per conversation and
// caches their content once downloaded.
//
// Layout: conversationID -> fileID -> entry
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string]*entry
	source    backend.FileSource
	group     singleflight.Group
	opts      StoreOptions
}

// NewInMemoryStore returns an empty store fetching content from source.
func NewInMemoryStore(source backend.FileSource, optFns ...func(o *StoreOptions)) *InMemoryStore {
	opts := StoreOptions{
		MaxBytes: 32 << 20,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{artifacts: make(map[string]map[string]*entry), source: source, opts: opts}
}

// Register records refs as downloadable within conversationID. Known files
// keep their cached content; a name learned later fills an empty one.
func (a *InMemoryStore) Register(conversationID string, refs []core.FileRef) {
	if len(refs) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.artifacts[conversationID]
	if !ok {
		m = make(map[string]*entry)
		a.artifacts[conversationID] = m
	}
	for _, ref := range refs {
		if ref.FileID == "" {
			continue
		}
		if e, ok := m[ref.FileID]; ok {
			if e.ref.Name == "" {
				e.ref.Name = ref.Name
			}
			continue
		}
		m[ref.FileID] = &entry{ref: ref}
	}
}

// List returns the files registered for the conversation ordered by id.
func (a *InMemoryStore) List(conversationID string) []core.FileRef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.artifacts[conversationID]
	refs := make([]core.FileRef, 0, len(m))
	for _, e := range m {
		refs = append(refs, e.ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].FileID < refs[j].FileID })
	return refs
}

// Open returns the file's reference and a copy of its content, downloading
// it on first access. Files not registered for conversationID yield
// ErrNotFound.
func (a *InMemoryStore) Open(ctx context.Context, conversationID, fileID string) (core.FileRef, []byte, error) {
	ref, data, ok := a.lookup(conversationID, fileID)
	if !ok {
		return core.FileRef{}, nil, ErrNotFound
	}
	if data != nil {
		return ref, data, nil
	}
	if a.source == nil {
		return core.FileRef{}, nil, errors.New("artifact: no file source configured")
	}

	v, err, _ := a.group.Do(conversationID+"/"+fileID, func() (any, error) {
		return a.fetch(ctx, fileID)
	})
	if err != nil {
		return core.FileRef{}, nil, err
	}
	f := v.(fetched)

	a.mu.Lock()
	if e, ok := a.artifacts[conversationID][fileID]; ok {
		e.data = f.data
		if e.ref.Name == "" {
			e.ref.Name = f.name
		}
		ref = e.ref
	}
	a.mu.Unlock()
	return ref, clone(f.data), nil
}

// Delete forgets every file of the conversation and returns how many were
// registered.
func (a *InMemoryStore) Delete(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.artifacts[conversationID])
	delete(a.artifacts, conversationID)
	return n
}

func (a *InMemoryStore) lookup(conversationID, fileID string) (core.FileRef, []byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.artifacts[conversationID][fileID]
	if !ok {
		return core.FileRef{}, nil, false
	}
	if e.data == nil {
		return e.ref, nil, true
	}
	return e.ref, clone(e.data), true
}

type fetched struct {
	name string
	data []byte
}

func (a *InMemoryStore) fetch(ctx context.Context, fileID string) (fetched, error) {
	body, name, err := a.source.OpenFile(ctx, fileID)
	if err != nil {
		return fetched{}, fmt.Errorf("opening file %s: %w", fileID, err)
	}
	defer body.Close()

	r := io.Reader(body)
	if a.opts.MaxBytes > 0 {
		r = io.LimitReader(body, a.opts.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fetched{}, fmt.Errorf("reading file %s: %w", fileID, err)
	}
	if a.opts.MaxBytes > 0 && int64(len(data)) > a.opts.MaxBytes {
		a.opts.Logger.Warn("file exceeds size limit", "file_id", fileID, "max_bytes", a.opts.MaxBytes)
		return fetched{}, ErrTooLarge
	}
	if data == nil {
		data = []byte{}
	}
	a.opts.Logger.Debug("file downloaded", "file_id", fileID, "bytes", len(data))
	return fetched{name: name, data: data}, nil
}

func clone(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
