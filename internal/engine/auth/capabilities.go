package auth

import "bitacora/internal/domain"

// Capabilities are the only flags the presentation layer may use to decide
// what to enable for a user.
type Capabilities struct {
	CanEditContent   bool `json:"can_edit_content"`
	CanSign          bool `json:"can_sign"`
	CanDelete        bool `json:"can_delete"`
	IsContractorUser bool `json:"is_contractor_user"`
	IsAdmin          bool `json:"is_admin"`
}

// RoleGrant is what a project role allows before the app role is applied.
type RoleGrant struct {
	Edit   bool `yaml:"edit" json:"edit"`
	Sign   bool `yaml:"sign" json:"sign"`
	Delete bool `yaml:"delete" json:"delete"`
}

// Table maps project roles to grants.
type Table map[domain.ProjectRole]RoleGrant

var DefaultTable = Table{
	domain.RoleResident:      {Edit: true, Sign: true},
	domain.RoleSupervisor:    {Edit: true, Sign: true},
	domain.RoleDirector:      {Edit: true, Sign: true, Delete: true},
	domain.RoleContractorRep: {Edit: true, Sign: true},
	domain.RoleInterventor:   {Edit: true, Sign: true},
	domain.RoleObserver:      {},
}

// Capabilities evaluates the (project role, app role, entity) triple.
// Viewers never edit, sign or delete whatever their project role says.
func (t Table) Capabilities(role domain.ProjectRole, appRole domain.AppRole, entity domain.Entity) Capabilities {
	grant := t[role]
	c := Capabilities{
		CanEditContent:   grant.Edit,
		CanSign:          grant.Sign,
		CanDelete:        grant.Delete,
		IsContractorUser: entity == domain.EntityContratista,
	}
	switch appRole {
	case domain.AppRoleAdmin:
		c.IsAdmin = true
		c.CanEditContent = true
		c.CanDelete = true
	case domain.AppRoleViewer:
		c.CanEditContent = false
		c.CanSign = false
		c.CanDelete = false
	}
	return c
}

// For evaluates a user's capabilities.
func (t Table) For(u domain.User) Capabilities {
	return t.Capabilities(u.ProjectRole, u.AppRole, u.Entity)
}

// Merge returns a copy of t with overrides applied.
func (t Table) Merge(overrides map[string]RoleGrant) Table {
	out := make(Table, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[domain.ProjectRole(k)] = v
	}
	return out
}

// For evaluates capabilities using the default table.
func For(u domain.User) Capabilities {
	return DefaultTable.For(u)
}
