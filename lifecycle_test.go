package tokenvault

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTokenValidatesImmediately(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())
	events := collect(f.bus)

	id, meta, err := f.lm.CreateToken(testCredential("abc"), nil, []string{"linkedin"})
	require.NoError(t, err)
	assert.Equal(t, TokenStatusActive, meta.Status)
	assert.Equal(t, f.clock.Now().Add(time.Hour), meta.ExpiresAt)

	res := f.lm.ValidateToken(id, nil)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 3600*time.Second, res.RemainingTime)
	assert.Equal(t, int64(1), res.Usage.UsageCount)

	assert.Len(t, eventsOfType(events(), EventCreated), 1)
	assert.Len(t, eventsOfType(events(), EventValidated), 1)
}

func TestCreateTokenWithZeroLifetimeUsesDefault(t *testing.T) {
	policy := DefaultLifecyclePolicy()
	policy.DefaultLifetime = 2 * time.Hour
	f := newLifecycleFixture(t, policy)

	cred := testCredential("abc")
	cred.LifetimeSeconds = 0
	id, meta, err := f.lm.CreateToken(cred, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), meta.ExpiresAt)

	got, res, err := f.lm.GetToken(id, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(7200), got.LifetimeSeconds)
}

func TestExpiryBoundary(t *testing.T) {
	policy := DefaultLifecyclePolicy()
	policy.ExpirationBuffer = 5 * time.Minute
	f := newLifecycleFixture(t, policy)

	id, _, err := f.lm.CreateToken(testCredential("abc"), nil, nil)
	require.NoError(t, err)

	// expiry is 60m out, the buffer makes it effective at 55m
	f.clock.Advance(55*time.Minute - time.Millisecond)
	assert.True(t, f.lm.ValidateToken(id, nil).Valid)

	f.clock.Advance(time.Millisecond)
	assert.True(t, f.lm.ValidateToken(id, nil).Valid, "exactly at the boundary the token is still usable")

	f.clock.Advance(time.Millisecond)
	res := f.lm.ValidateToken(id, nil)
	assert.False(t, res.Valid)
	assert.True(t, res.Expired)
	assert.Contains(t, res.Warnings, warnExpired)

	_, _, err = f.lm.GetToken(id, nil)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestMaxTokenAge(t *testing.T) {
	policy := DefaultLifecyclePolicy()
	policy.MaxTokenAge = time.Hour
	f := newLifecycleFixture(t, policy)

	cred := testCredential("abc")
	cred.LifetimeSeconds = int64((48 * time.Hour).Seconds())
	id, _, err := f.lm.CreateToken(cred, nil, nil)
	require.NoError(t, err)

	f.clock.Advance(time.Hour + time.Second)
	res := f.lm.ValidateToken(id, nil)
	assert.False(t, res.Valid)
	assert.False(t, res.Expired)
	assert.Equal(t, []string{warnMaxAge}, res.Warnings)
}

func TestBindingEnforcement(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	id, _, err := f.lm.CreateToken(testCredential("abc"), &Binding{ClientID: "app", UserID: "u1"}, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		binding  *Binding
		valid    bool
		warnings []string
	}{
		{"no binding supplied", nil, true, nil},
		{"matching subset", &Binding{ClientID: "app"}, true, nil},
		{"unbound field is a wildcard", &Binding{UserID: "u1", SessionID: "s-9"}, true, nil},
		{"wrong user", &Binding{ClientID: "app", UserID: "u2"}, false, []string{"binding mismatch: user_id"}},
		{"wrong client and user", &Binding{ClientID: "x", UserID: "u2"}, false,
			[]string{"binding mismatch: client_id", "binding mismatch: user_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, res, err := f.lm.GetToken(id, tt.binding)
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, tt.warnings, res.Warnings)
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, "abc", cred.AccessToken)
				return
			}
			assert.ErrorIs(t, err, ErrBindingMismatch)
			assert.Empty(t, cred.AccessToken)
		})
	}
}

func TestGetTokenRecommendsRotation(t *testing.T) {
	policy := DefaultLifecyclePolicy()
	policy.RotationUsageThreshold = 3
	f := newLifecycleFixture(t, policy)
	events := collect(f.bus)

	id, _, err := f.lm.CreateToken(testCredential("abc"), nil, nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, res, err := f.lm.GetToken(id, nil)
		require.NoError(t, err)
		assert.False(t, res.RotationDue, "call %d", i)
	}

	_, res, err := f.lm.GetToken(id, nil)
	require.NoError(t, err)
	assert.True(t, res.RotationDue)
	assert.Contains(t, res.RotationReason, "usage count 4 exceeds threshold 3")

	warnings := eventsOfType(events(), EventWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarningRotationRecommended, warnings[0].Payload.(WarningPayload).Code)
	assert.Equal(t, id, warnings[0].TokenID)

	meta, err := f.lm.TokenMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, TokenStatusActive, meta.Status, "GetToken never rotates")
}

func TestRotateTokenChain(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())
	binding := &Binding{ClientID: "app"}

	first, _, err := f.lm.CreateToken(testCredential("v1"), binding, []string{"prod"})
	require.NoError(t, err)

	second, oldID, meta, err := f.lm.RotateToken(first, testCredential("v2"), "refresh")
	require.NoError(t, err)
	assert.Equal(t, first, oldID)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, meta.RotationCount)
	assert.Equal(t, first, meta.RotatedFrom)
	assert.Equal(t, binding, meta.Binding)
	assert.Equal(t, []string{"prod", "rotated-from:" + first}, meta.Tags)

	old, err := f.lm.TokenMetadata(first)
	require.NoError(t, err)
	assert.Equal(t, TokenStatusRotated, old.Status)
	assert.Equal(t, second, old.RotatedTo)
	assert.Equal(t, "refresh", old.Reason)
	require.NotNil(t, old.TerminalAt)

	_, res, err := f.lm.GetToken(first, nil)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.True(t, res.Rotated)

	_, _, _, err = f.lm.RotateToken(first, testCredential("v3"), "again")
	assert.ErrorIs(t, err, ErrRotationFailed)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	third, _, meta, err := f.lm.RotateToken(second, testCredential("v3"), "refresh")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.RotationCount)
	assert.Equal(t, []string{"prod", "rotated-from:" + second}, meta.Tags)

	cred, _, err := f.lm.GetToken(third, binding)
	require.NoError(t, err)
	assert.Equal(t, "v3", cred.AccessToken)

	_, _, _, err = f.lm.RotateToken("tok-missing", testCredential("x"), "")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRevokeToken(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())
	events := collect(f.bus)

	id, _, err := f.lm.CreateToken(testCredential("abc"), nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.lm.RevokeToken(id, "user logout"))
	require.NoError(t, f.lm.RevokeToken(id, "twice"))
	assert.Len(t, eventsOfType(events(), EventRevoked), 1)

	_, res, err := f.lm.GetToken(id, nil)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.True(t, res.Revoked)
	assert.Contains(t, res.Warnings, warnRevoked)

	rotated, _, err := f.lm.CreateToken(testCredential("def"), nil, nil)
	require.NoError(t, err)
	_, _, _, err = f.lm.RotateToken(rotated, testCredential("ghi"), "")
	require.NoError(t, err)
	assert.ErrorIs(t, f.lm.RevokeToken(rotated, ""), ErrTokenInvalid)

	assert.ErrorIs(t, f.lm.RevokeToken("tok-missing", ""), ErrTokenNotFound)
	_, _, err = f.lm.GetToken("tok-missing", nil)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRevokeAll(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	for i := 0; i < 4; i++ {
		_, _, err := f.lm.CreateToken(testCredential("abc"), nil, nil)
		require.NoError(t, err)
	}
	n, err := f.lm.RevokeAll("breach")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Empty(t, f.lm.liveTokenIDs())

	n, err = f.lm.RevokeAll("breach")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRenewToken(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	id, _, err := f.lm.CreateToken(testCredential("abc"), nil, nil)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	assert.False(t, f.lm.ValidateToken(id, nil).Valid)

	assert.ErrorIs(t, f.lm.RenewToken(id, f.clock.Now().Add(-time.Minute)), ErrTokenInvalid)
	require.NoError(t, f.lm.RenewToken(id, f.clock.Now().Add(time.Hour)))
	assert.True(t, f.lm.ValidateToken(id, nil).Valid)

	require.NoError(t, f.lm.RevokeToken(id, ""))
	assert.ErrorIs(t, f.lm.RenewToken(id, f.clock.Now().Add(time.Hour)), ErrTokenInvalid)
}

func TestCleanupTokens(t *testing.T) {
	policy := DefaultLifecyclePolicy()
	policy.CleanupGracePeriod = time.Hour
	f := newLifecycleFixture(t, policy)
	events := collect(f.bus)

	revoked, _, err := f.lm.CreateToken(testCredential("a"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.lm.RevokeToken(revoked, ""))

	short := testCredential("b")
	short.LifetimeSeconds = 60
	expired, _, err := f.lm.CreateToken(short, nil, nil)
	require.NoError(t, err)

	long := testCredential("c")
	long.LifetimeSeconds = int64((72 * time.Hour).Seconds())
	live, _, err := f.lm.CreateToken(long, nil, nil)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	res := f.lm.CleanupTokens()
	assert.Zero(t, res.Removed, "still inside the grace period")

	f.clock.Advance(time.Hour)
	res = f.lm.CleanupTokens()
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Removed)
	assert.ElementsMatch(t, []string{revoked, expired}, res.RemovedIDs)

	ids, err := f.store.ListTokens()
	require.NoError(t, err)
	assert.Equal(t, []string{live}, ids)
	_, err = f.store.LoadTokenRecord(revoked)
	assert.Error(t, err)

	cleanups := eventsOfType(events(), EventCleanup)
	require.Len(t, cleanups, 2)
	assert.Equal(t, 2, cleanups[1].Payload.(CleanupPayload).Removed)
}

func TestLifecycleStats(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	used, _, err := f.lm.CreateToken(testCredential("a"), nil, nil)
	require.NoError(t, err)
	revoked, _, err := f.lm.CreateToken(testCredential("b"), nil, nil)
	require.NoError(t, err)
	rotated, _, err := f.lm.CreateToken(testCredential("c"), nil, nil)
	require.NoError(t, err)
	short := testCredential("d")
	short.LifetimeSeconds = 60
	_, _, err = f.lm.CreateToken(short, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, f.lm.ValidateToken(used, nil).Valid)
	}

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.lm.RevokeToken(revoked, ""))
	_, _, _, err = f.lm.RotateToken(rotated, testCredential("c2"), "")
	require.NoError(t, err)

	stats := f.lm.LifecycleStats()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Revoked)
	assert.Equal(t, 1, stats.Rotated)
	assert.InDelta(t, 0.2, stats.RotationFrequency, 1e-9)
	assert.Equal(t, 20*time.Minute, stats.AverageLifespan)
	assert.Equal(t, int64(3), stats.TotalUsage)
	assert.Equal(t, int64(3), stats.HourlyUsage[9])
	assert.Equal(t, 9, stats.PeakHour)
	require.Len(t, stats.MostUsed, 1)
	assert.Equal(t, TokenUsage{TokenID: used, UsageCount: 3}, stats.MostUsed[0])
}

func TestLoadFromStoreRestoresIndex(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	active, _, err := f.lm.CreateToken(testCredential("a"), &Binding{UserID: "u"}, nil)
	require.NoError(t, err)
	revoked, _, err := f.lm.CreateToken(testCredential("b"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.lm.RevokeToken(revoked, "gone"))
	require.True(t, f.lm.ValidateToken(active, nil).Valid)

	reloaded, err := NewLifecycleManager(f.store, f.keys, f.storage, DefaultLifecyclePolicy(), WithNow(f.clock.Now))
	require.NoError(t, err)

	meta, err := reloaded.TokenMetadata(active)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.UsageCount)
	assert.Equal(t, "u", meta.Binding.UserID)

	meta, err = reloaded.TokenMetadata(revoked)
	require.NoError(t, err)
	assert.Equal(t, TokenStatusRevoked, meta.Status)

	cred, _, err := reloaded.GetToken(active, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", cred.AccessToken)
}

func TestGetTokenDetectsCorruptedRecord(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	id, _, err := f.lm.CreateToken(testCredential("do-not-leak"), nil, nil)
	require.NoError(t, err)

	data, err := f.store.LoadTokenRecord(id)
	require.NoError(t, err)
	var rec EncryptedTokenRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.Ciphertext[3] ^= 0x20
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveTokenRecord(id, data))

	cred, _, err := f.lm.GetToken(id, nil)
	assert.ErrorIs(t, err, ErrIntegrityVerificationFailed)
	assert.Equal(t, Credential{}, cred)
	assert.ErrorIs(t, f.lm.VerifyToken(id), ErrIntegrityVerificationFailed)

	// a read that could not be decrypted is not a use
	meta, err := f.lm.TokenMetadata(id)
	require.NoError(t, err)
	assert.Zero(t, meta.UsageCount)
	assert.Nil(t, meta.LastUsed)
}

func TestGetTokenCountsUseAfterDecrypt(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	id, _, err := f.lm.CreateToken(testCredential("abc"), nil, nil)
	require.NoError(t, err)
	_, res, err := f.lm.GetToken(id, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Usage.UsageCount)

	// metadata survives, the record does not
	require.NoError(t, os.Remove(filepath.Join(f.store.BasePath(), "tokens", id+".enc")))
	_, _, err = f.lm.GetToken(id, nil)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	meta, err := f.lm.TokenMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.UsageCount)
}

func TestCreateTokenLifetimeBounds(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	cred := testCredential("abc")
	cred.LifetimeSeconds = 10_000_000_000
	_, _, err := f.lm.CreateToken(cred, nil, nil)
	assert.ErrorIs(t, err, ErrStructureValidationFailed)
	assert.Empty(t, f.lm.ListTokens())

	// the largest lifetime a time.Duration can hold
	cred.LifetimeSeconds = int64(math.MaxInt64 / int64(time.Second))
	id, meta, err := f.lm.CreateToken(cred, nil, nil)
	require.NoError(t, err)
	assert.True(t, meta.ExpiresAt.After(meta.CreatedAt))
	assert.True(t, f.lm.ValidateToken(id, nil).Valid)
}

func TestMigrateRecords(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())
	old, ok := f.keys.ActiveKey()
	require.True(t, ok)

	var ids []string
	for _, access := range []string{"a", "b", "c"} {
		id, _, err := f.lm.CreateToken(testCredential(access), nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, f.lm.RevokeToken(ids[2], ""))

	newID, buf, newMeta, err := f.keys.RotateKey(old.KeyID, testPassphrase, otherPassphrase)
	require.NoError(t, err)
	buf.Destroy()

	n, err := f.lm.MigrateRecords(old.KeyID, newID, testPassphrase, otherPassphrase)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i, id := range ids[:2] {
		meta, err := f.lm.TokenMetadata(id)
		require.NoError(t, err)
		assert.Equal(t, newID, meta.KeyID)
		assert.Equal(t, newMeta.Version, meta.KeyVersion)

		cred, _, err := f.lm.GetToken(id, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}[i], cred.AccessToken)
	}

	meta, err := f.lm.TokenMetadata(ids[2])
	require.NoError(t, err)
	assert.Equal(t, old.KeyID, meta.KeyID, "revoked tokens stay on their key")
}

func TestConcurrentValidationCountsEveryUse(t *testing.T) {
	f := newLifecycleFixture(t, DefaultLifecyclePolicy())

	id, _, err := f.lm.CreateToken(testCredential("abc"), nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.lm.GetToken(id, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	meta, err := f.lm.TokenMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, int64(20), meta.UsageCount)
	assert.Equal(t, int64(20), meta.HourlyUsage[9])
	assert.Zero(t, f.lm.locks.size())
}

func TestEvaluateIsPure(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	meta := TokenMetadata{
		ID:        "tok-1",
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
		Status:    TokenStatusRevoked,
	}

	res := evaluate(meta, nil, DefaultLifecyclePolicy(), now)
	assert.False(t, res.Valid)
	assert.True(t, res.Revoked)
	assert.Equal(t, time.Hour, res.RemainingTime)
	assert.Equal(t, TokenStatusRevoked, meta.Status)
	assert.Zero(t, meta.UsageCount)
}
