package tokenvault

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"southwinds.dev/tokenvault/persist"
)

const (
	testPassphrase  = "correct horse battery staple"
	otherPassphrase = "tr0ub4dor&3-but-longer"
)

// testClock is a settable clock for WithNow.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testKeyPolicy keeps scrypt cheap so key operations stay fast under test.
func testKeyPolicy() KeyPolicy {
	p := DefaultKeyPolicy()
	p.Derivation = DerivationParams{Algorithm: KDFScrypt, ScryptN: 1 << 10, ScryptR: 8, ScryptP: 1}
	return p
}

func newTestStore(t *testing.T) *persist.FileSystemStore {
	t.Helper()
	store, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	return store
}

// newTestKeys returns a key manager over store with a freshly generated active key.
func newTestKeys(t *testing.T, store persist.Store, opts ...Option) (*KeyManager, KeyMetadata) {
	t.Helper()
	km, err := NewKeyManager(store, testKeyPolicy(), opts...)
	require.NoError(t, err)

	_, buf, meta, err := km.GenerateMasterKey(testPassphrase, nil)
	require.NoError(t, err)
	buf.Destroy()
	return km, meta
}

type lifecycleFixture struct {
	store   *persist.FileSystemStore
	keys    *KeyManager
	storage *SecureTokenStorage
	lm      *LifecycleManager
	bus     *EventBus
	clock   *testClock
}

func newLifecycleFixture(t *testing.T, policy LifecyclePolicy, opts ...Option) *lifecycleFixture {
	t.Helper()
	f := &lifecycleFixture{store: newTestStore(t), clock: newTestClock()}
	f.bus = NewEventBus()
	opts = append([]Option{WithNow(f.clock.Now), WithEventBus(f.bus)}, opts...)

	f.keys, _ = newTestKeys(t, f.store, opts...)

	var err error
	f.storage, err = NewSecureTokenStorage(f.keys, AlgorithmChaCha20Poly1305, opts...)
	require.NoError(t, err)
	f.lm, err = NewLifecycleManager(f.store, f.keys, f.storage, policy, opts...)
	require.NoError(t, err)
	return f
}

// collect records every event published on bus.
func collect(bus *EventBus) (events func() []Event) {
	var (
		mu  sync.Mutex
		out []Event
	)
	bus.Subscribe(func(e Event) {
		mu.Lock()
		out = append(out, e)
		mu.Unlock()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), out...)
	}
}

func eventsOfType(events []Event, t EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testCredential(access string) Credential {
	return Credential{
		AccessToken:     access,
		TokenType:       "Bearer",
		LifetimeSeconds: 3600,
		RefreshToken:    "refresh-" + access,
		Scope:           "r_liteprofile w_member_social",
	}
}
