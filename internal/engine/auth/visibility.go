package auth

import "bitacora/internal/domain"

// CanViewContent reports whether viewer may see the body of the entry.
// Redaction itself is left to the caller.
func CanViewContent(e domain.LogEntry, viewer domain.User) bool {
	if !e.IsConfidential {
		return true
	}
	if viewer.ID == "" {
		return false
	}
	if viewer.AppRole == domain.AppRoleAdmin || viewer.ID == e.AuthorID {
		return true
	}
	if e.IsAssignee(viewer.ID) || e.IsSignatory(viewer.ID) {
		return true
	}
	for _, t := range e.SignatureTasks {
		if t.SignerID == viewer.ID {
			return true
		}
	}
	return false
}
