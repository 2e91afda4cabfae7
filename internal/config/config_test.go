package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitacora/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("site-7")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "site-7", cfg.Project.ID)
	assert.Equal(t, domain.PolicyParallel, cfg.DefaultPolicy())
	assert.Equal(t, 3, cfg.MaxAttempts())

	entity, err := domain.ParseEntity("Contratista", cfg.EntityAliases())
	require.NoError(t, err)
	assert.Equal(t, domain.EntityContratista, entity)

	table := cfg.PermissionTable()
	assert.True(t, table[domain.RoleDirector].Delete)
	assert.False(t, table[domain.RoleObserver].Sign)
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	_, err := FromYAML([]byte("project:\n  id: p\nreview:\n  default_policy: quorum\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte("project:\n  id: p\nentities:\n  aliases:\n    acme: VENDOR\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte("project:\n  id: p\npermissions:\n  roles:\n    janitor:\n      edit: true\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte("review:\n  default_policy: handoff\n"))
	require.Error(t, err)
}

func TestPermissionOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: p\npermissions:\n  roles:\n    resident:\n      edit: true\n      sign: false\n"))
	require.NoError(t, err)
	caps := cfg.PermissionTable().For(domain.User{ID: "u", ProjectRole: domain.RoleResident, AppRole: domain.AppRoleEditor})
	assert.True(t, caps.CanEditContent)
	assert.False(t, caps.CanSign)
	assert.Equal(t, 3, cfg.MaxAttempts())
}

func TestDefaultTemplateDecodes(t *testing.T) {
	require.NotPanics(t, func() { Default("site-8") })
	cfg := Default("site-8")
	require.NotNil(t, cfg.Review.IncludeAuthor)
	assert.True(t, cfg.IncludeAuthor())
	assert.False(t, cfg.Signing.RequireCredential)
	assert.Equal(t, 3, cfg.Concurrency.MaxAttempts)
}

func TestIncludeAuthorDefaultsToTrue(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: p\n"))
	require.NoError(t, err)
	assert.True(t, cfg.IncludeAuthor())

	cfg, err = FromYAML([]byte("project:\n  id: p\nreview:\n  include_author: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.IncludeAuthor())
}

func TestMaxAttempts(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: p\nconcurrency:\n  max_attempts: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxAttempts())

	cfg, err = FromYAML([]byte("project:\n  id: p\nconcurrency:\n  max_attempts: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxAttempts())

	_, err = FromYAML([]byte("project:\n  id: p\nconcurrency:\n  max_attempts: -1\n"))
	require.Error(t, err)
}
