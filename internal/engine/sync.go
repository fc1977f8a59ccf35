package engine

import (
	"signoff/internal/domain"
)

// Project status reconciliation. Transition-driven changes (a closure
// reaching approved, reopen) arrive as set_project_status effects; the rules
// here cover document creation and deletion, which have no transition.

// projectStatusAfterCreate reports the project status a new document forces,
// if any. A first document wakes a new project up; an originating closure
// flags the project as winding down.
func projectStatusAfterCreate(current string, kind domain.DocumentKind) (string, bool) {
	if kind == domain.KindProjectClosure {
		switch current {
		case domain.ProjectActive, domain.ProjectUpdating:
			return domain.ProjectClosureRequested, true
		}
	}
	if current == domain.ProjectNew {
		return domain.ProjectPending, true
	}
	return "", false
}

// projectStatusAfterDelete reports the status after a document is removed.
// remaining counts the project's documents left across all kinds. Deleting
// the last document resets the project; withdrawing a pending closure puts
// the project back to active.
func projectStatusAfterDelete(current string, kind domain.DocumentKind, remaining int) (string, bool) {
	if remaining <= 0 {
		return domain.ProjectNew, true
	}
	if kind == domain.KindProjectClosure && current == domain.ProjectClosureRequested {
		return domain.ProjectActive, true
	}
	return "", false
}
