package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(FileStoreOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	return fs
}

func TestFileStoreLoadMissingFiles(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	accounts, err := fs.LoadAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts.Accounts)
	assert.Equal(t, -1, accounts.ActiveIndex)

	usage, err := fs.LoadUsage(ctx)
	require.NoError(t, err)
	assert.Empty(t, usage.Usage)
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	storage := EmptyAccounts()
	storage.Accounts = append(storage.Accounts, ManagedAccount{
		ID:           "acc-1",
		Email:        "a@example.com",
		AuthMethod:   "idc",
		Region:       "us-east-1",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RefreshToken: "refresh-1",
		AccessToken:  "access-1",
		ExpiresAt:    1700000000000,
		IsHealthy:    true,
	})
	storage.ActiveIndex = 0

	require.NoError(t, fs.SaveAccounts(ctx, storage))

	loaded, err := fs.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, storage.Accounts[0], loaded.Accounts[0])
	assert.Equal(t, 0, loaded.ActiveIndex)
	assert.Equal(t, StorageVersion, loaded.Version)
}

func TestFileStoreCorruptAccountsFile(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Dir(fs.AccountsPath()), 0o700))
	require.NoError(t, os.WriteFile(fs.AccountsPath(), []byte("{not json"), 0o600))

	accounts, err := fs.LoadAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts.Accounts)
	assert.Equal(t, -1, accounts.ActiveIndex)
}

func TestFileStoreUsageRoundTrip(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	storage := EmptyUsage()
	storage.Usage["acc-1"] = UsageRecord{UsedCount: 42, LimitCount: 500, RealEmail: "a@example.com"}
	require.NoError(t, fs.SaveUsage(ctx, storage))

	loaded, err := fs.LoadUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.Usage["acc-1"], loaded.Usage["acc-1"])
}

func TestFileStoreNoTempFilesLeftBehind(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, fs.SaveAccounts(ctx, EmptyAccounts()))
	require.NoError(t, fs.SaveUsage(ctx, EmptyUsage()))

	entries, err := os.ReadDir(filepath.Dir(fs.AccountsPath()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestFileStoreStrayTempFileDoesNotShadowDocument(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	storage := EmptyAccounts()
	storage.Accounts = append(storage.Accounts, ManagedAccount{ID: "acc-1", IsHealthy: true})
	storage.ActiveIndex = 0
	require.NoError(t, fs.SaveAccounts(ctx, storage))

	// A writer that died between the temp write and the rename leaves a
	// half-written temp file next to the document.
	stray := fs.AccountsPath() + ".deadbeef.tmp"
	require.NoError(t, os.WriteFile(stray, []byte(`{"version":1,"accounts":[{"id":`), 0o600))

	loaded, err := fs.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "acc-1", loaded.Accounts[0].ID)
	assert.Equal(t, 0, loaded.ActiveIndex)

	// The next save still lands cleanly.
	require.NoError(t, fs.SaveAccounts(ctx, storage))
	reloaded, err := fs.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, reloaded.Accounts, 1)
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	first := EmptyAccounts()
	first.Accounts = append(first.Accounts, ManagedAccount{ID: "acc-1", IsHealthy: true})
	first.ActiveIndex = 0
	require.NoError(t, fs.SaveAccounts(ctx, first))

	second := EmptyAccounts()
	second.Accounts = append(second.Accounts, ManagedAccount{ID: "acc-2", IsHealthy: true})
	require.NoError(t, fs.SaveAccounts(ctx, second))

	loaded, err := fs.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "acc-2", loaded.Accounts[0].ID)
}

func TestOrderedFieldRoundTrip(t *testing.T) {
	field := orderedField(3, "acc-xyz")
	idx, id, ok := splitOrderedField(field)
	require.True(t, ok)
	assert.Equal(t, 3, idx)
	assert.Equal(t, "acc-xyz", id)

	_, _, ok = splitOrderedField("garbage")
	assert.False(t, ok)
}
