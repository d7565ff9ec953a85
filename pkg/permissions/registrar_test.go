package permissions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store. stubborn makes the next N deletes leave
// rows behind.
type memStore struct {
	mu       sync.Mutex
	rows     []Row
	stubborn int
	syncErr  error
}

func (s *memStore) Sync(ctx context.Context, pluginID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncErr != nil {
		return s.syncErr
	}
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.PluginID != pluginID {
			kept = append(kept, r)
		}
	}
	s.rows = append(kept, rows...)
	return nil
}

func (s *memStore) DeleteByPlugin(ctx context.Context, pluginID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stubborn > 0 {
		s.stubborn--
		return 0, nil
	}
	var n int64
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.PluginID == pluginID {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return n, nil
}

func (s *memStore) CountByPlugin(ctx context.Context, pluginID string) (int, error) {
	rows, _ := s.ListByPlugin(ctx, pluginID)
	return len(rows), nil
}

func (s *memStore) filter(keep func(Row) bool) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Row
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *memStore) ListByPlugin(ctx context.Context, pluginID string) ([]Row, error) {
	return s.filter(func(r Row) bool { return r.PluginID == pluginID }), nil
}

func (s *memStore) ListByRole(ctx context.Context, role string) ([]Row, error) {
	return s.filter(func(r Row) bool { return r.Role == role }), nil
}

func (s *memStore) Find(ctx context.Context, role, resource string) ([]Row, error) {
	return s.filter(func(r Row) bool { return r.Role == role && r.Resource == resource }), nil
}

func notesManifest() *manifest.Manifest {
	return &manifest.Manifest{Permissions: []manifest.PermissionDecl{{
		Resource: "notes",
		DefaultRoles: map[string]manifest.RoleDefaults{
			"ADMIN": {CanView: true, CanDelete: true},
			"USER":  {CanView: true},
		},
	}}}
}

func TestRegistrar_RegisterAndCheck(t *testing.T) {
	store := &memStore{}
	r := NewRegistrar(store, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "p1", notesManifest()))

	rows, err := r.ForPlugin(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, rows, len(DefaultRoles))

	ok, err := r.Check(ctx, "ADMIN", "notes", "DELETE")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Check(ctx, "USER", "notes", "delete")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Check(ctx, "USER", "notes", "publish")
	assert.ErrorIs(t, err, ErrUnknownAction)

	matrix, err := r.Matrix(ctx, "USER")
	require.NoError(t, err)
	assert.Len(t, matrix, 1)
}

func TestRegistrar_RegisterFailure(t *testing.T) {
	r := NewRegistrar(&memStore{syncErr: errors.New("db down")}, nil, nil)
	err := r.Register(context.Background(), "p1", notesManifest())
	assert.ErrorIs(t, err, ErrPermissionRegistrationFailed)
}

func TestRegistrar_UnregisterLeavesNoRows(t *testing.T) {
	store := &memStore{}
	r := NewRegistrar(store, []string{"ADMIN"}, nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "p1", notesManifest()))
	require.NoError(t, r.Register(ctx, "p2", notesManifest()))

	require.NoError(t, r.Unregister(ctx, "p1"))

	n, _ := store.CountByPlugin(ctx, "p1")
	assert.Zero(t, n)
	n, _ = store.CountByPlugin(ctx, "p2")
	assert.Equal(t, 1, n)
}

func TestRegistrar_UnregisterRetriesOnce(t *testing.T) {
	store := &memStore{stubborn: 1}
	r := NewRegistrar(store, nil, nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "p1", notesManifest()))

	require.NoError(t, r.Unregister(ctx, "p1"))
	n, _ := store.CountByPlugin(ctx, "p1")
	assert.Zero(t, n)
}

func TestRegistrar_UnregisterGivesUp(t *testing.T) {
	store := &memStore{stubborn: 2}
	r := NewRegistrar(store, nil, nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "p1", notesManifest()))

	err := r.Unregister(ctx, "p1")
	assert.ErrorIs(t, err, ErrPermissionRegistrationFailed)
}
