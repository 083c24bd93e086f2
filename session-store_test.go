package turtls

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := OpenSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testSessionRecord(origin string) SessionRecord {
	return SessionRecord{
		Origin:       origin,
		CipherSuite:  TLS_AES_128_GCM_SHA256,
		Group:        X25519,
		AlpnProtocol: "h2",
		SPKIDigest:   []byte{1, 2, 3, 4},
		SeenAt:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSessionStorePutGet(t *testing.T) {
	store := openTestStore(t)

	_, found, err := store.Get("example.com")
	require.NoError(t, err)
	require.False(t, found)

	rec := testSessionRecord("example.com")
	require.NoError(t, store.Put(rec))

	got, found, err := store.Get("example.com")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.Origin, got.Origin)
	assert.Equal(t, rec.CipherSuite, got.CipherSuite)
	assert.Equal(t, rec.Group, got.Group)
	assert.Equal(t, rec.AlpnProtocol, got.AlpnProtocol)
	assert.Equal(t, rec.SPKIDigest, got.SPKIDigest)
	assert.True(t, rec.SeenAt.Equal(got.SeenAt))
}

func TestSessionStoreReplace(t *testing.T) {
	store := openTestStore(t)

	rec := testSessionRecord("example.com")
	require.NoError(t, store.Put(rec))

	rec.Group = P256
	rec.SeenAt = rec.SeenAt.Add(time.Hour)
	require.NoError(t, store.Put(rec))

	got, found, err := store.Get("example.com")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, P256, got.Group)
}

func TestSessionStoreCheckAndStore(t *testing.T) {
	store := openTestStore(t)

	rec := testSessionRecord("example.com")
	require.NoError(t, store.CheckAndStore(rec))

	// A changed key is logged but still stored.
	rec.SPKIDigest = []byte{9, 9, 9, 9}
	require.NoError(t, store.CheckAndStore(rec))

	got, found, err := store.Get("example.com")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{9, 9, 9, 9}, got.SPKIDigest)
}

func TestSessionStoreCleanup(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put(testSessionRecord("a.example")))
	require.NoError(t, store.Put(testSessionRecord("b.example")))
	require.NoError(t, store.Cleanup())

	_, found, err := store.Get("a.example")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSpkiDigest(t *testing.T) {
	_, certA := makeSelfSignedCert(t, "a.example")
	_, certB := makeSelfSignedCert(t, "b.example")

	require.Len(t, spkiDigest(certA), 32)
	require.NotEqual(t, spkiDigest(certA), spkiDigest(certB))
	require.Equal(t, spkiDigest(certA), spkiDigest(certA))
}
