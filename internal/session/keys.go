package session

import (
	"context"
	"errors"
	"sync"

	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// CategoryCreds is the singleton entry holding the primary identity
// credentials (its entry id is empty).
const CategoryCreds = "creds"

// Rebuild converts a category's decoded payload into its typed form before
// it is handed back to the protocol library.
type Rebuild func(v any) (any, error)

// InitCreds produces fresh default credentials when none are persisted yet.
// It is supplied by the protocol library; the store never fails bootstrap
// just because the creds entry is absent.
type InitCreds func() (any, error)

// Keys is the durable keyed session store backing the protocol connection.
//
// Storage failures degrade rather than crash the connection: a failed read
// behaves like an absent entry, a failed write in a batch is logged and does
// not block the other entries.
type Keys struct {
	store storage.Store
	log   logx.Logger

	init InitCreds

	mu      sync.Mutex
	rebuild map[string]Rebuild
	creds   any
}

func New(store storage.Store, log logx.Logger, init InitCreds) *Keys {
	if log.IsZero() {
		log = logx.Nop()
	}
	k := &Keys{
		store:   store,
		log:     log,
		init:    init,
		rebuild: map[string]Rebuild{},
	}
	k.RegisterRebuild(CategoryAppStateSyncKey, rebuildAppStateSyncKey)
	return k
}

// RegisterRebuild installs a typed reconstruction for one category.
func (k *Keys) RegisterRebuild(category string, fn Rebuild) {
	k.mu.Lock()
	k.rebuild[category] = fn
	k.mu.Unlock()
}

func (k *Keys) rebuildFor(category string) Rebuild {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rebuild[category]
}

// Read returns one entry's payload, or ok=false when absent. Storage and
// decode errors are logged and reported as absent so one bad key never
// poisons every future lookup.
func (k *Keys) Read(ctx context.Context, category, id string) (any, bool) {
	raw, err := k.store.GetSession(ctx, category, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		k.log.Error("session read failed", logx.String("category", category), logx.String("id", id), logx.Err(err))
		return nil, false
	}
	v, err := Unmarshal(raw)
	if err != nil {
		k.log.Error("session payload corrupt", logx.String("category", category), logx.String("id", id), logx.Err(err))
		return nil, false
	}
	if fn := k.rebuildFor(category); fn != nil {
		rebuilt, err := fn(v)
		if err != nil {
			k.log.Error("session payload rebuild failed", logx.String("category", category), logx.String("id", id), logx.Err(err))
			return nil, false
		}
		return rebuilt, true
	}
	return v, true
}

// Write persists one entry.
func (k *Keys) Write(ctx context.Context, category, id string, v any) error {
	raw, err := Marshal(v)
	if err != nil {
		return err
	}
	return k.store.PutSession(ctx, category, id, raw)
}

// Remove deletes one entry. Missing entries are not an error.
func (k *Keys) Remove(ctx context.Context, category, id string) error {
	return k.store.DeleteSession(ctx, category, id)
}

// BulkGet reads many entries of one category concurrently. Absent ids are
// omitted from the result; only completeness matters, not order.
func (k *Keys) BulkGet(ctx context.Context, category string, ids []string) map[string]any {
	out := make(map[string]any, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			v, ok := k.Read(ctx, category, id)
			if !ok {
				return
			}
			mu.Lock()
			out[id] = v
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

// BulkSet fans out writes and removals concurrently. A nil value means
// "remove this id". Each entry's outcome is independent: one failed write is
// logged and does not block the others.
func (k *Keys) BulkSet(ctx context.Context, data map[string]map[string]any) {
	var wg sync.WaitGroup
	for category, entries := range data {
		for id, v := range entries {
			wg.Add(1)
			go func(category, id string, v any) {
				defer wg.Done()
				var err error
				if v == nil {
					err = k.Remove(ctx, category, id)
				} else {
					err = k.Write(ctx, category, id, v)
				}
				if err != nil {
					k.log.Error("session write failed", logx.String("category", category), logx.String("id", id), logx.Err(err))
				}
			}(category, id, v)
		}
	}
	wg.Wait()
}

// Creds returns the identity credentials, bootstrapping fresh defaults when
// the singleton entry is absent. The bootstrapped value is not persisted
// until SaveCreds runs (the connection persists after its first update).
func (k *Keys) Creds(ctx context.Context) (any, error) {
	k.mu.Lock()
	if k.creds != nil {
		v := k.creds
		k.mu.Unlock()
		return v, nil
	}
	k.mu.Unlock()

	if v, ok := k.Read(ctx, CategoryCreds, ""); ok {
		k.mu.Lock()
		k.creds = v
		k.mu.Unlock()
		return v, nil
	}

	if k.init == nil {
		return nil, errors.New("session: no stored credentials and no initializer")
	}
	v, err := k.init()
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.creds = v
	k.mu.Unlock()
	k.log.Info("bootstrapped fresh credentials")
	return v, nil
}

// SetCreds replaces the in-memory credentials (after the connection rotates
// them) without persisting; call SaveCreds to persist.
func (k *Keys) SetCreds(v any) {
	k.mu.Lock()
	k.creds = v
	k.mu.Unlock()
}

// SaveCreds persists the current credentials.
func (k *Keys) SaveCreds(ctx context.Context) error {
	k.mu.Lock()
	v := k.creds
	k.mu.Unlock()
	if v == nil {
		return errors.New("session: no credentials to save")
	}
	return k.Write(ctx, CategoryCreds, "", v)
}
