package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/pkg/logger"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	root := t.TempDir()
	s, err := NewFileStore(filepath.Join(root, "work"), filepath.Join(root, "bad"))
	require.NoError(t, err)
	return s
}

func TestReadCreatesRecordLazily(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(s.workDir, "79990001.session"), nil, 0o600))

	names, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"79990001"}, names)

	ident, err := s.Read(ctx, "79990001")
	require.NoError(t, err)
	require.False(t, ident.Busy)
	require.True(t, ident.QuarantineUntil.IsZero())

	_, err = os.Stat(filepath.Join(s.workDir, "79990001.json"))
	require.NoError(t, err)
}

func TestWritePreservesUnknownAttributes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	body := `{"app_id": 2040, "app_hash": "abc", "phone_book": [{"phone": "79001112233", "username": "neo"}], "quarantine_until": 1700000000}`
	require.NoError(t, os.WriteFile(filepath.Join(s.workDir, "alpha.json"), []byte(body), 0o600))

	ident, err := s.Read(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "abc", ident.Attribute("app_hash"))
	require.Len(t, ident.PhoneBook, 1)
	require.Equal(t, int64(79001112233), ident.PhoneBook[0].Phone)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), ident.QuarantineUntil)

	ident.QuarantineUntil = time.Time{}
	ident.Busy = true
	ident.PhoneBook = append(ident.PhoneBook, domain.WorkItem{Phone: 79004445566})
	require.NoError(t, s.Write(ctx, ident))

	again, err := s.Read(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, again.Busy)
	require.True(t, again.QuarantineUntil.IsZero())
	require.Len(t, again.PhoneBook, 2)
	require.EqualValues(t, 2040, again.Attributes["app_id"])
}

func TestMarkFallenMovesFiles(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(s.workDir, "beta.session"), nil, 0o600))
	_, err := s.Read(ctx, "beta")
	require.NoError(t, err)

	require.NoError(t, s.MarkFallen(ctx, "beta"))

	names, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
	_, err = os.Stat(filepath.Join(s.badDir, "beta.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.badDir, "beta.session"))
	require.NoError(t, err)

	require.Error(t, s.MarkFallen(ctx, "beta"))
}

func TestResetBusySkipsKeptNames(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		require.NoError(t, s.Write(ctx, &domain.Identity{Name: name, Busy: true}))
	}

	n, err := s.ResetBusy(ctx, func(name string) bool { return name == "b" })
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, _ := s.Read(ctx, "a")
	b, _ := s.Read(ctx, "b")
	require.False(t, a.Busy)
	require.True(t, b.Busy)
}

func TestRejectsPathNames(t *testing.T) {
	s := newStore(t)
	_, err := s.Read(context.Background(), "../escape")
	require.Error(t, err)
}

func TestProvisionerReturnsWhenSessionAppears(t *testing.T) {
	s := newStore(t)
	p := NewProvisioner(s, 20*time.Millisecond, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(s.workDir, "gamma.session"), nil, 0o600)
	}()

	require.NoError(t, p.Wait(ctx))
}

func TestProvisionerHonorsCancellation(t *testing.T) {
	s := newStore(t)
	p := NewProvisioner(s, 10*time.Millisecond, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
