package listing

import "time"

// Kind distinguishes the two catalog entry types sharing one lifecycle.
type Kind string

const (
	KindService Kind = "service"
	KindPackage Kind = "package"
)

// Status is the lifecycle state persisted on the listings row.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusDeleted         Status = "deleted"
)

// RequestType identifies what an open pending change asks the admin to do.
type RequestType string

const (
	RequestCreate RequestType = "create"
	RequestUpdate RequestType = "update"
	RequestDelete RequestType = "delete"
)

// Content holds the provider-editable fields of a listing. Price is in minor
// currency units.
type Content struct {
	Name            string `json:"name" validate:"required"`
	Description     string `json:"description"`
	Price           int64  `json:"price" validate:"required,gt=0"`
	DurationMinutes int    `json:"durationMinutes" validate:"required,gte=15,lte=480"`
	Category        string `json:"category" validate:"required"`
}

// PendingChange is the single open request awaiting an admin decision.
// ProposedContent is set for update requests only.
type PendingChange struct {
	RequestType     RequestType
	ProposedContent *Content
	ChangedFields   []string
	Reason          string
	SubmittedAt     time.Time
}

// Listing mirrors the listings table. ID is the internal record key; PublicID
// is assigned exactly once, on the approval that first moves the listing out of
// its never-approved state, and is never cleared afterwards.
type Listing struct {
	ID               string
	ProviderID       string
	Kind             Kind
	PublicID         *string
	Status           Status
	Content          Content
	Pending          *PendingChange
	AdminActionTaken bool
	FirstSubmittedAt time.Time
	FirstApprovedAt  *time.Time
	LastUpdatedAt    *time.Time
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Approved reports whether the listing has ever cleared a create approval.
func (l Listing) Approved() bool {
	return l.FirstApprovedAt != nil
}

const (
	// OutboxTopicSubmitted is published whenever a provider opens a pending change.
	OutboxTopicSubmitted = "listing.submitted"
	// OutboxTopicApproved is published when an admin approves a pending change.
	OutboxTopicApproved = "listing.approved"
	// OutboxTopicRejected is published when an admin rejects a pending change.
	OutboxTopicRejected = "listing.rejected"
)
