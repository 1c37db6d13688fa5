package server

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyStore(t *testing.T) *APIKeyStore {
	t.Helper()
	s, err := NewAPIKeyStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAPIKeyStore_CreateAndValidate(t *testing.T) {
	s := newTestKeyStore(t)

	key, user, err := s.CreateKey("acme", RoleOperator)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "ck_"))
	assert.Len(t, key, 3+48)
	assert.Equal(t, "acme", user.OrgID)
	assert.Equal(t, RoleOperator, user.Role)

	got, err := s.ValidateKey(key)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, got.UserID)
	assert.Equal(t, RoleOperator, got.Role)

	_, err = s.ValidateKey("ck_0000000000000000000000000000000000000000000000ff")
	assert.Error(t, err)
}

func TestAPIKeyStore_RejectsUnknownRole(t *testing.T) {
	s := newTestKeyStore(t)
	_, _, err := s.CreateKey("acme", Role("demigod"))
	assert.Error(t, err)
}

func TestAPIKeyStore_RotationGrace(t *testing.T) {
	s := newTestKeyStore(t)
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	key, _, err := s.CreateKey("acme", RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, s.BeginRotation(key))

	// Inside the grace window the old key still validates.
	clock = clock.Add(6 * 24 * time.Hour)
	_, err = s.ValidateKey(key)
	assert.NoError(t, err)

	// Past the window it stops.
	clock = clock.Add(2 * 24 * time.Hour)
	_, err = s.ValidateKey(key)
	assert.ErrorContains(t, err, "grace period expired")

	// Rotation can only start from active.
	assert.Error(t, s.BeginRotation(key))
}

func TestAPIKeyStore_Revoke(t *testing.T) {
	s := newTestKeyStore(t)
	key, _, err := s.CreateKey("acme", RoleViewer)
	require.NoError(t, err)

	require.NoError(t, s.RevokeKey(key))
	_, err = s.ValidateKey(key)
	assert.Error(t, err)

	assert.Error(t, s.RevokeKey("ck_never_issued"))
}

func TestRolePermissions(t *testing.T) {
	cases := []struct {
		role Role
		perm string
		want bool
	}{
		{RoleViewer, PermReadConfig, true},
		{RoleViewer, PermWriteConfig, false},
		{RoleViewer, PermManageModules, false},
		{RoleOperator, PermManageModules, true},
		{RoleOperator, PermWriteConfig, false},
		{RoleAdmin, PermWriteConfig, true},
		{RoleAdmin, PermManageKeys, true},
		{RoleOwner, PermManageKeys, true},
		{Role("demigod"), PermReadConfig, false},
	}
	for _, tc := range cases {
		if got := tc.role.HasPermission(tc.perm); got != tc.want {
			t.Errorf("%s.HasPermission(%s) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}
	assert.False(t, Role("demigod").Valid())
	assert.True(t, RoleOwner.Valid())
}
