package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memVault struct {
	mu        sync.Mutex
	secrets   map[string]string
	failStore bool
}

func newMemVault() *memVault {
	return &memVault{secrets: make(map[string]string)}
}

func (v *memVault) Store(_ context.Context, key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failStore {
		return StorageError("vault_store", errors.New("vault locked"))
	}
	v.secrets[key] = value
	return nil
}

func (v *memVault) Get(_ context.Context, key string) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.secrets[key]
	return s, ok, nil
}

func (v *memVault) Delete(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, key)
	return nil
}

func (v *memVault) get(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.secrets[key]
	return s, ok
}

type memMetadata struct {
	mu       sync.Mutex
	meta     *SessionMetadata
	failSave bool
	saves    int
}

func (m *memMetadata) Load() (*SessionMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta == nil {
		return nil, nil
	}
	c := *m.meta
	return &c, nil
}

func (m *memMetadata) Save(meta *SessionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return StorageError("save_metadata", errors.New("disk full"))
	}
	c := *meta
	m.meta = &c
	m.saves++
	return nil
}

func (m *memMetadata) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = nil
	return nil
}

func (m *memMetadata) current() *SessionMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta
}

// fakeExchanger returns canned grants. Refreshes can be held on a gate to
// observe concurrent callers.
type fakeExchanger struct {
	now func() time.Time

	codeGrant  *Grant
	codeErr    error
	profile    *UserInfo
	profileErr error

	refreshErr     error
	refreshRotate  string
	refreshTTL     time.Duration // zero means one hour
	refreshGate    chan struct{}
	refreshCalls   atomic.Int32
	exchangedCodes []string
	verifiers      []string
	mu             sync.Mutex
}

func (f *fakeExchanger) ExchangeCode(_ context.Context, code, verifier, _ string) (*Grant, error) {
	f.mu.Lock()
	f.exchangedCodes = append(f.exchangedCodes, code)
	f.verifiers = append(f.verifiers, verifier)
	f.mu.Unlock()
	if f.codeErr != nil {
		return nil, f.codeErr
	}
	g := *f.codeGrant
	return &g, nil
}

func (f *fakeExchanger) ExchangeRefresh(ctx context.Context, refreshToken string) (*Grant, error) {
	n := f.refreshCalls.Add(1)
	if f.refreshGate != nil {
		select {
		case <-f.refreshGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	rt := refreshToken
	if f.refreshRotate != "" {
		rt = f.refreshRotate
	}
	ttl := f.refreshTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Grant{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: rt,
		ExpiresAt:    f.now().Add(ttl),
		Scopes:       Scopes,
	}, nil
}

func (f *fakeExchanger) FetchProfile(_ context.Context, _ string) (*UserInfo, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	u := *f.profile
	return &u, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
