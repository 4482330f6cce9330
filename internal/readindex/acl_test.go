package readindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckStreamAccessDefaults(t *testing.T) {
	f := newFixture(t)
	alice := &User{Name: "alice", Roles: []string{"dev"}}
	admin := &User{Name: "root", Roles: []string{RoleAdmins}}

	res, err := f.ri.CheckStreamAccess("orders", AccessRead, nil)
	require.NoError(t, err)
	require.Equal(t, StreamAccess{Granted: true, Public: true}, res)

	res, err = f.ri.CheckStreamAccess("$stats", AccessRead, alice)
	require.NoError(t, err)
	require.False(t, res.Granted)

	res, err = f.ri.CheckStreamAccess("$stats", AccessRead, admin)
	require.NoError(t, err)
	require.Equal(t, StreamAccess{Granted: true}, res)

	res, err = f.ri.CheckStreamAccess(AllStream, AccessWrite, admin)
	require.NoError(t, err)
	require.False(t, res.Granted)
}

func TestCheckStreamAccessUsesStreamAcl(t *testing.T) {
	f := newFixture(t)
	f.setMetadata("orders", StreamMetadata{Acl: &StreamAcl{
		ReadRoles:     []string{"dev"},
		MetaReadRoles: []string{"bob"},
	}})
	alice := &User{Name: "alice", Roles: []string{"dev"}}
	bob := &User{Name: "bob"}

	res, err := f.ri.CheckStreamAccess("orders", AccessRead, alice)
	require.NoError(t, err)
	require.Equal(t, StreamAccess{Granted: true}, res)

	res, err = f.ri.CheckStreamAccess("orders", AccessRead, bob)
	require.NoError(t, err)
	require.False(t, res.Granted)

	res, err = f.ri.CheckStreamAccess("orders", AccessRead, nil)
	require.NoError(t, err)
	require.False(t, res.Granted)

	// Unset roles fall back to the user default, which is public.
	res, err = f.ri.CheckStreamAccess("orders", AccessWrite, bob)
	require.NoError(t, err)
	require.True(t, res.Public)

	// Metastream reads check meta-read on the original stream.
	res, err = f.ri.CheckStreamAccess(MetastreamOf("orders"), AccessRead, bob)
	require.NoError(t, err)
	require.True(t, res.Granted)
	res, err = f.ri.CheckStreamAccess(MetastreamOf("orders"), AccessRead, alice)
	require.NoError(t, err)
	require.False(t, res.Granted)
	res, err = f.ri.CheckStreamAccess(MetastreamOf("orders"), AccessDelete, bob)
	require.NoError(t, err)
	require.False(t, res.Granted)
}

func TestSystemSettingsChangeDefaults(t *testing.T) {
	f := newFixture(t)
	settings := SystemSettings{UserStreamAcl: &StreamAcl{ReadRoles: []string{"readers"}}}
	f.writeTyped(SettingsStream, SettingsEventType, nil, settings.JSON())

	res, err := f.ri.CheckStreamAccess("orders", AccessRead, nil)
	require.NoError(t, err)
	require.False(t, res.Granted)
	res, err = f.ri.CheckStreamAccess("orders", AccessRead, &User{Name: "x", Roles: []string{"readers"}})
	require.NoError(t, err)
	require.True(t, res.Granted)

	acl, err := f.ri.GetEffectiveAcl("orders")
	require.NoError(t, err)
	require.Nil(t, acl.Stream)
	require.Equal(t, []string{"readers"}, acl.System.ReadRoles)
	require.Equal(t, []string{RoleAll}, acl.Default.ReadRoles)
}
