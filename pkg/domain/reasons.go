package domain

// User-visible reason strings. They are echoed into redirect query strings and
// JSON results verbatim, so clients match on them.
const (
	ReasonInvalidPassword     = "Invalid password"
	ReasonInvalidViewPassword = "Invalid view password"
	ReasonMetadataLocked      = "Cannot edit metadata: Paste is locked"
	ReasonCommentLocked       = "Cannot delete comment: Paste is locked"
	ReasonDisassociateLocked  = "Cannot disassociate: Paste is locked"
	ReasonReserved            = "Cannot modify a reserved paste"
	ReasonRemote              = "Cannot modify a paste hosted on another server"
	ReasonNotOwner            = "You do not own this paste"
	ReasonURLTaken            = "A paste with this URL already exists"
	ReasonPasteNotFound       = "Paste does not exist"
	ReasonInvalidURL          = "Invalid custom URL"
	ReasonURLTooLong          = "Custom URL is too long"
	ReasonContentRequired     = "Content is required"
	ReasonContentTooLarge     = "Content is too large"
	ReasonCommentsDisabled    = "Comments are disabled on this paste"
	ReasonNotAComment         = "Paste is not a comment"
	ReasonReservedGroup       = "This group is reserved"
	ReasonInternal            = "Something went wrong, please try again"

	ReasonPasteCreated    = "Paste created"
	ReasonPasteEdited     = "Paste edited"
	ReasonPasteDeleted    = "Paste deleted"
	ReasonMetadataUpdated = "Metadata updated"
	ReasonCommentCreated  = "Comment created"
	ReasonCommentDeleted  = "Comment deleted"
	ReasonAssociated      = "Session associated"
	ReasonDisassociated   = "Session disassociated"
	ReasonSessionsRevoked = "Sessions revoked"
	ReasonLogDeleted      = "Log deleted"

	// Association resolver identities.
	ReasonSessionsDisabled = "Sessions are disabled"
	ReasonNoSession        = "Session does not exist"
	ReasonNotAssociated    = "Session is not associated"
)
