package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wisp.db")
	bs, err := NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	return bs, path
}

func TestBoltSecretRoundtrip(t *testing.T) {
	bs, _ := openTestStore(t)

	require.NoError(t, bs.StoreSecret("identity.master_seed", []byte{1, 2, 3, 4}))

	data, err := bs.LoadSecret("identity.master_seed")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestBoltMissingSecret(t *testing.T) {
	bs, _ := openTestStore(t)

	_, err := bs.LoadSecret("no.such.secret")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestBoltOverwriteSecret(t *testing.T) {
	bs, _ := openTestStore(t)

	require.NoError(t, bs.StoreSecret("k", []byte("old")))
	require.NoError(t, bs.StoreSecret("k", []byte("new")))

	data, err := bs.LoadSecret("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestBoltDeleteSecret(t *testing.T) {
	bs, _ := openTestStore(t)

	require.NoError(t, bs.StoreSecret("k", []byte("v")))
	require.NoError(t, bs.DeleteSecret("k"))

	_, err := bs.LoadSecret("k")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	// Absent names delete cleanly.
	assert.NoError(t, bs.DeleteSecret("k"))
}

func TestBoltSecretsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.db")

	bs, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, bs.StoreSecret("seed", []byte{9, 9, 9}))
	require.NoError(t, bs.Close())

	bs, err = NewBoltStore(path)
	require.NoError(t, err)
	defer bs.Close()

	data, err := bs.LoadSecret("seed")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9}, data)
}

func TestBoltHistoryAppendOrder(t *testing.T) {
	bs, _ := openTestStore(t)

	alice := [32]byte{1}
	bob := [32]byte{2}
	require.NoError(t, bs.AppendMessage("chat", alice, []byte("hello"), 100))
	require.NoError(t, bs.AppendMessage("chat", bob, []byte("hi yourself"), 200))
	require.NoError(t, bs.AppendMessage("chat", alice, []byte("bye"), 300))

	msgs, err := bs.Messages("chat")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []byte("hello"), msgs[0].Body)
	assert.Equal(t, alice, msgs[0].Sender)
	assert.Equal(t, uint64(100), msgs[0].Timestamp)
	assert.Equal(t, []byte("hi yourself"), msgs[1].Body)
	assert.Equal(t, bob, msgs[1].Sender)
	assert.Equal(t, []byte("bye"), msgs[2].Body)
}

func TestBoltHistoryIsolatesConversations(t *testing.T) {
	bs, _ := openTestStore(t)

	sender := [32]byte{7}
	require.NoError(t, bs.AppendMessage("a", sender, []byte("one"), 1))
	require.NoError(t, bs.AppendMessage("b", sender, []byte("two"), 2))

	msgs, err := bs.Messages("a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("one"), msgs[0].Body)

	msgs, err = bs.Messages("unknown")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ids, err := bs.Conversations()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestBoltHistoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.db")

	bs, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, bs.AppendMessage("chat", [32]byte{3}, []byte("kept"), 42))
	require.NoError(t, bs.Close())

	bs, err = NewBoltStore(path)
	require.NoError(t, err)
	defer bs.Close()

	msgs, err := bs.Messages("chat")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("kept"), msgs[0].Body)
}

func TestMemSecureStore(t *testing.T) {
	ms := NewMemSecureStore()

	_, err := ms.LoadSecret("k")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, ms.StoreSecret("k", []byte("v")))
	data, err := ms.LoadSecret("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)

	// Stored copies are independent of caller buffers.
	data[0] = 'x'
	again, err := ms.LoadSecret("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), again)

	require.NoError(t, ms.DeleteSecret("k"))
	_, err = ms.LoadSecret("k")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestMemSecureStoreCloseWipes(t *testing.T) {
	ms := NewMemSecureStore()
	secret := []byte("sensitive")
	require.NoError(t, ms.StoreSecret("k", secret))
	require.NoError(t, ms.Close())

	_, err := ms.LoadSecret("k")
	assert.Error(t, err)
	assert.Error(t, ms.StoreSecret("k", []byte("v")))
}
