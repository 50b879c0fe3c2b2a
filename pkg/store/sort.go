package store

// Sortable fields per entity. Listing with any other field fails with
// ErrInvalidArgument.
var (
	UserSortFields              = []string{"id", "name", "email"}
	ChannelSortFields           = []string{"id", "name", "createdAt"}
	MessageSortFields           = []string{"id", "createdAt"}
	SessionSortFields           = []string{"id", "expiresAt"}
	ChannelInvitationSortFields = []string{"id", "expiresAt", "status"}
	TokenSortFields             = []string{"token", "expiresAt"}
	ImInvitationSortFields      = []string{"token", "expiresAt", "status"}
)
