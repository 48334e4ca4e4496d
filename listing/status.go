package listing

// DisplayStatus is the single human-facing status label derived from a
// listing's raw state. Every view that lists listings goes through
// ProjectStatus; there is exactly one priority order.
type DisplayStatus string

const (
	DisplayDeleted         DisplayStatus = "DELETED"
	DisplayDeletionPending DisplayStatus = "DELETION_PENDING"
	DisplayUpdatePending   DisplayStatus = "UPDATE_PENDING"
	DisplayCreationPending DisplayStatus = "CREATION_PENDING"
	DisplayApproved        DisplayStatus = "APPROVED"
	DisplayPendingApproval DisplayStatus = "PENDING_APPROVAL"
	DisplayRejected        DisplayStatus = "REJECTED"
	DisplayUnknown         DisplayStatus = "UNKNOWN"
)

// ProjectStatus maps a listing to its display status. First match wins; the
// order is the contract. A deleted listing always projects DELETED even if a
// stale pending change survived on the row.
func ProjectStatus(l Listing) DisplayStatus {
	if l.Status == StatusDeleted {
		return DisplayDeleted
	}
	if l.Pending != nil {
		switch l.Pending.RequestType {
		case RequestDelete:
			return DisplayDeletionPending
		case RequestUpdate:
			return DisplayUpdatePending
		case RequestCreate:
			return DisplayCreationPending
		}
	}
	switch l.Status {
	case StatusApproved:
		return DisplayApproved
	case StatusPendingApproval:
		return DisplayPendingApproval
	case StatusRejected:
		return DisplayRejected
	}
	return DisplayUnknown
}

// Priority orders the admin work queue. Higher means more urgent.
func (d DisplayStatus) Priority() int {
	switch d {
	case DisplayDeletionPending, DisplayCreationPending:
		return 3
	case DisplayUpdatePending:
		return 2
	case DisplayPendingApproval:
		return 1
	default:
		return 0
	}
}

// NeedsAdminAction reports whether the listing should appear in the admin
// queue. Deleted listings and listings whose latest request was already
// resolved never do.
func NeedsAdminAction(l Listing) bool {
	if l.Status == StatusDeleted || l.AdminActionTaken {
		return false
	}
	if l.Status == StatusPendingApproval && !l.Approved() {
		return true
	}
	if l.Pending != nil {
		switch l.Pending.RequestType {
		case RequestCreate, RequestUpdate, RequestDelete:
			return true
		}
	}
	return false
}

// IsEditable reports whether the provider may submit a new edit. A deleted
// listing is terminal and a pending deletion blocks edits until resolved.
func IsEditable(l Listing) bool {
	if l.Status == StatusDeleted {
		return false
	}
	if l.Pending != nil && l.Pending.RequestType == RequestDelete {
		return false
	}
	return true
}
