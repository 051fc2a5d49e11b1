package app

import "bookbank/pkg/domain"

// role is the caller's relation to a request. A caller may hold both roles
// after an ownership transfer.
type role uint8

const (
	roleRequester role = 1 << iota
	roleOwner
)

const rolesParty = roleRequester | roleOwner

// roleOf resolves the caller against the request and the book's current
// owner, not the owner captured in requested_to.
func roleOf(callerID string, req domain.Request, book *domain.Book) role {
	var r role
	if callerID == "" {
		return r
	}
	if req.RequesterID == callerID {
		r |= roleRequester
	}
	if book != nil && book.OwnerID == callerID {
		r |= roleOwner
	}
	return r
}

func (r role) has(want role) bool { return r&want != 0 }

// deletableByRequester lists the statuses in which a requester may withdraw.
func deletableByRequester(status domain.RequestStatus) bool {
	switch status {
	case domain.StatusOpen, domain.StatusRejected, domain.StatusCompleted:
		return true
	}
	return false
}

// guardDelete returns the reason a caller may not delete the request, or nil.
// The requester restriction applies even when the caller also owns the book.
func guardDelete(r role, status domain.RequestStatus) error {
	switch {
	case r.has(roleRequester):
		if deletableByRequester(status) {
			return nil
		}
		return forbidden("Requester can delete only while request is open or rejected or completed")
	case r.has(roleOwner):
		return nil
	default:
		return forbidden("Only requester or owner can delete request")
	}
}
