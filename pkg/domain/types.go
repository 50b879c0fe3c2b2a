package domain

import (
	"time"

	"github.com/google/uuid"
)

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationRejected InvitationStatus = "REJECTED"
)

func (s InvitationStatus) Valid() bool {
	switch s {
	case InvitationPending, InvitationAccepted, InvitationRejected:
		return true
	}
	return false
}

type ImInvitationStatus string

const (
	ImInvitationPending ImInvitationStatus = "PENDING"
	ImInvitationUsed    ImInvitationStatus = "USED"
)

func (s ImInvitationStatus) Valid() bool {
	return s == ImInvitationPending || s == ImInvitationUsed
}

type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Password string `json:"-"`
	Email    string `json:"email"`
}

// ChannelInvitation invites a user into a channel on behalf of an existing member.
type ChannelInvitation struct {
	ID        int64            `json:"id"`
	Channel   Channel          `json:"channel"`
	Inviter   User             `json:"inviter"`
	Invitee   User             `json:"invitee"`
	Status    InvitationStatus `json:"status"`
	Role      ChannelRole      `json:"role"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

func (i ChannelInvitation) Accept() ChannelInvitation {
	i.Status = InvitationAccepted
	return i
}

func (i ChannelInvitation) Reject() ChannelInvitation {
	i.Status = InvitationRejected
	return i
}

func (i ChannelInvitation) Expired(now time.Time) bool {
	return i.ExpiresAt.Before(now)
}

// ImInvitation is a single-use registration token.
type ImInvitation struct {
	Token     uuid.UUID          `json:"token"`
	Status    ImInvitationStatus `json:"status"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

func NewImInvitation(ttl time.Duration, now time.Time) ImInvitation {
	return ImInvitation{
		Token:     uuid.New(),
		Status:    ImInvitationPending,
		ExpiresAt: now.Add(ttl),
	}
}

// Use marks the invitation as consumed.
func (i ImInvitation) Use() ImInvitation {
	i.Status = ImInvitationUsed
	return i
}

func (i ImInvitation) Expired(now time.Time) bool {
	return i.ExpiresAt.Before(now)
}

type Session struct {
	ID        int64     `json:"id"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

type AccessToken struct {
	Token     uuid.UUID `json:"token"`
	Session   Session   `json:"session"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type RefreshToken struct {
	Token     uuid.UUID `json:"token"`
	Session   Session   `json:"session"`
	ExpiresAt time.Time `json:"expiresAt"`
}
