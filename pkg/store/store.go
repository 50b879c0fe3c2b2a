package store

import (
	"time"

	"github.com/google/uuid"

	"imcore/pkg/domain"
	"imcore/pkg/pagination"
)

// Repository is the contract shared by every entity repository. FindByID
// reports absence with false rather than an error.
type Repository[T any, ID comparable] interface {
	Save(entity T) (T, error)
	SaveAll(entities []T) ([]T, error)
	FindByID(id ID) (T, bool, error)
	FindAll() ([]T, error)
	FindAllByID(ids []ID) ([]T, error)
	Find(req pagination.Request, sort pagination.Sort) (pagination.Page[T], error)
	ExistsByID(id ID) (bool, error)
	Count() (int64, error)
	DeleteByID(id ID) error
	Delete(entity T) error
	DeleteAllByID(ids []ID) error
	DeleteAll() error
	Flush() error
}

type UserRepository interface {
	Repository[domain.User, int64]
	FindByName(name string) (domain.User, bool, error)
	FindByEmail(email string) (domain.User, bool, error)
	FindByNameAndPassword(name, password string) (domain.User, bool, error)
	FindByEmailAndPassword(email, password string) (domain.User, bool, error)
	// FindByPartialName matches names starting with prefix, ignoring case.
	FindByPartialName(prefix string, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.User], error)
}

// ChannelRepository stores channels together with their membership. The
// membership methods are atomic with respect to concurrent membership changes
// on the same channel.
type ChannelRepository interface {
	Repository[domain.Channel, int64]
	FindByName(name string, publicOnly bool) (domain.Channel, bool, error)
	FindByPartialName(prefix string, publicOnly bool, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error)
	FindPublic(req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error)
	FindByOwner(ownerID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error)
	FindByMember(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error)
	GetMember(channelID, userID int64) (domain.Member, bool, error)
	AddMember(channelID, userID int64, role domain.ChannelRole) error
	RemoveMember(channelID, userID int64) error
	UpdateMemberRole(channelID, userID int64, role domain.ChannelRole) error
}

type MessageRepository interface {
	Repository[domain.Message, int64]
	// FindByChannel lists messages of a channel created strictly before
	// before. A zero before does not bound the result.
	FindByChannel(channelID int64, before time.Time, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Message], error)
	FindByUser(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Message], error)
}

type SessionRepository interface {
	Repository[domain.Session, int64]
	FindByUser(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Session], error)
	DeleteExpired() (int64, error)
}

type AccessTokenRepository interface {
	Repository[domain.AccessToken, uuid.UUID]
	FindBySession(sessionID int64) ([]domain.AccessToken, error)
	DeleteExpired() (int64, error)
}

type RefreshTokenRepository interface {
	Repository[domain.RefreshToken, uuid.UUID]
	FindBySession(sessionID int64) ([]domain.RefreshToken, error)
	DeleteExpired() (int64, error)
}

// ChannelInvitationRepository allows at most one PENDING invitation per
// channel and invitee.
type ChannelInvitationRepository interface {
	Repository[domain.ChannelInvitation, int64]
	FindByChannel(channelID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.ChannelInvitation], error)
	FindByInvitee(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.ChannelInvitation], error)
	FindPending(channelID, inviteeID int64) (domain.ChannelInvitation, bool, error)
	DeleteExpired() (int64, error)
}

// ImInvitationRepository rejects re-saving a known token whose status did not
// change.
type ImInvitationRepository interface {
	Repository[domain.ImInvitation, uuid.UUID]
	FindByToken(token uuid.UUID) (domain.ImInvitation, bool, error)
	DeleteExpired() (int64, error)
}
