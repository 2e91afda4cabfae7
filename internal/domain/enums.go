package domain

import (
	"fmt"
	"strings"
)

// EntryStatus is the lifecycle state of a log entry.
type EntryStatus string

const (
	StatusDraft       EntryStatus = "DRAFT"
	StatusSubmitted   EntryStatus = "SUBMITTED"
	StatusNeedsReview EntryStatus = "NEEDS_REVIEW"
	StatusApproved    EntryStatus = "APPROVED"
	StatusSigned      EntryStatus = "SIGNED"
	StatusRejected    EntryStatus = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s EntryStatus) Terminal() bool {
	return s == StatusSigned || s == StatusRejected
}

func ParseEntryStatus(s string) (EntryStatus, error) {
	switch st := EntryStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusDraft, StatusSubmitted, StatusNeedsReview, StatusApproved, StatusSigned, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown entry status %q", ErrValidation, s)
}

type SignatureTaskStatus string

const (
	SignaturePending   SignatureTaskStatus = "PENDING"
	SignatureSigned    SignatureTaskStatus = "SIGNED"
	SignatureDeclined  SignatureTaskStatus = "DECLINED"
	SignatureCancelled SignatureTaskStatus = "CANCELLED"
)

type ReviewTaskStatus string

const (
	ReviewPending   ReviewTaskStatus = "PENDING"
	ReviewCompleted ReviewTaskStatus = "COMPLETED"
)

// Entity is the organization a user belongs to. It is resolved once when a
// user record enters the system and never re-derived from free text.
type Entity string

const (
	EntityIDU           Entity = "IDU"
	EntityInterventoria Entity = "INTERVENTORIA"
	EntityContratista   Entity = "CONTRATISTA"
)

// ParseEntity resolves a free-text entity name. Aliases are matched
// case-insensitively before the canonical names.
func ParseEntity(raw string, aliases map[string]Entity) (Entity, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", fmt.Errorf("%w: entity is required", ErrValidation)
	}
	for alias, e := range aliases {
		if strings.ToLower(strings.TrimSpace(alias)) == key {
			return e, nil
		}
	}
	switch Entity(strings.ToUpper(key)) {
	case EntityIDU:
		return EntityIDU, nil
	case EntityInterventoria:
		return EntityInterventoria, nil
	case EntityContratista:
		return EntityContratista, nil
	}
	return "", fmt.Errorf("%w: unknown entity %q", ErrValidation, raw)
}

// Valid reports whether e is one of the closed set of entities.
func (e Entity) Valid() bool {
	return e == EntityIDU || e == EntityInterventoria || e == EntityContratista
}

// Party is one side of the sequential two-party review hand-off.
type Party string

const (
	PartyContractor    Party = "CONTRACTOR"
	PartyInterventoria Party = "INTERVENTORIA"
)

func ParseParty(s string) (Party, error) {
	switch p := Party(strings.ToUpper(strings.TrimSpace(s))); p {
	case PartyContractor, PartyInterventoria:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown review party %q", ErrValidation, s)
}

// Other returns the opposite party.
func (p Party) Other() Party {
	if p == PartyContractor {
		return PartyInterventoria
	}
	return PartyContractor
}

// PartyOf maps an entity to the hand-off party it represents. IDU users
// belong to neither party.
func PartyOf(e Entity) (Party, bool) {
	switch e {
	case EntityContratista:
		return PartyContractor, true
	case EntityInterventoria:
		return PartyInterventoria, true
	}
	return "", false
}

type AppRole string

const (
	AppRoleAdmin  AppRole = "admin"
	AppRoleEditor AppRole = "editor"
	AppRoleViewer AppRole = "viewer"
)

// ParseAppRole normalizes application roles. The legacy "visor" and
// "read_only" values are the same restricted viewer role.
func ParseAppRole(s string) (AppRole, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "administrator":
		return AppRoleAdmin, nil
	case "editor", "user", "":
		return AppRoleEditor, nil
	case "viewer", "visor", "read_only", "readonly":
		return AppRoleViewer, nil
	}
	return "", fmt.Errorf("%w: unknown app role %q", ErrValidation, s)
}

type ProjectRole string

const (
	RoleResident      ProjectRole = "resident"
	RoleSupervisor    ProjectRole = "supervisor"
	RoleDirector      ProjectRole = "director"
	RoleContractorRep ProjectRole = "contractor_rep"
	RoleInterventor   ProjectRole = "interventor"
	RoleObserver      ProjectRole = "observer"
)

func ParseProjectRole(s string) (ProjectRole, error) {
	switch r := ProjectRole(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleResident, RoleSupervisor, RoleDirector, RoleContractorRep, RoleInterventor, RoleObserver:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown project role %q", ErrValidation, s)
}

// PolicyKind discriminates the review policy attached to an entry.
type PolicyKind string

const (
	PolicyNone     PolicyKind = ""
	PolicyParallel PolicyKind = "parallel"
	PolicyHandoff  PolicyKind = "handoff"
)

func ParsePolicyKind(s string) (PolicyKind, error) {
	switch k := PolicyKind(strings.ToLower(strings.TrimSpace(s))); k {
	case PolicyParallel, PolicyHandoff:
		return k, nil
	}
	return PolicyNone, fmt.Errorf("%w: unknown review policy %q", ErrValidation, s)
}
