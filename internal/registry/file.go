package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"hookrelay/internal/config"
	logx "hookrelay/pkg/logx"
)

type document struct {
	Tenants  []Tenant  `json:"tenants"`
	Webhooks []Webhook `json:"webhooks"`
}

type snapshot struct {
	tenants  map[string]Tenant
	webhooks map[string]Webhook
}

// File serves records from a JSON or YAML document. Reload swaps the whole
// snapshot; a document that fails to parse leaves the previous one in place.
type File struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	snap snapshot
}

func OpenFile(path string, log logx.Logger) (*File, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &File{path: path, log: log}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	snap, err := parseDocument(f.path, data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
	f.log.Info("registry loaded",
		logx.String("path", f.path),
		logx.Int("tenants", len(snap.tenants)),
		logx.Int("webhooks", len(snap.webhooks)),
	)
	return nil
}

// Watch reloads on file changes until ctx is done.
func (f *File) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, f.path, f.log, func() {
		if err := f.Reload(); err != nil {
			f.log.Warn("registry reload failed; keeping previous snapshot", logx.Err(err))
		}
	})
}

func (f *File) Webhook(_ context.Context, id string) (Webhook, error) {
	f.mu.RLock()
	w, ok := f.snap.webhooks[id]
	f.mu.RUnlock()
	if !ok {
		return Webhook{}, ErrNotFound
	}
	return w, nil
}

func (f *File) Tenant(_ context.Context, id string) (Tenant, error) {
	f.mu.RLock()
	t, ok := f.snap.tenants[id]
	f.mu.RUnlock()
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (f *File) Close() error { return nil }

func parseDocument(path string, data []byte) (snapshot, error) {
	jb, _, err := config.CoerceToJSON(path, data)
	if err != nil {
		return snapshot{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return snapshot{}, fmt.Errorf("registry %s: %w", path, err)
	}

	snap := snapshot{
		tenants:  make(map[string]Tenant, len(doc.Tenants)),
		webhooks: make(map[string]Webhook, len(doc.Webhooks)),
	}
	for _, t := range doc.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return snapshot{}, fmt.Errorf("registry %s: tenant id is required", path)
		}
		if _, dup := snap.tenants[t.ID]; dup {
			return snapshot{}, fmt.Errorf("registry %s: duplicate tenant %q", path, t.ID)
		}
		snap.tenants[t.ID] = t
	}
	for _, w := range doc.Webhooks {
		if err := w.validate(); err != nil {
			return snapshot{}, fmt.Errorf("registry %s: %w", path, err)
		}
		if _, dup := snap.webhooks[w.ID]; dup {
			return snapshot{}, fmt.Errorf("registry %s: duplicate webhook %q", path, w.ID)
		}
		snap.webhooks[w.ID] = w
	}
	return snap, nil
}
