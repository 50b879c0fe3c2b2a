package gormstore

import (
	"cmp"
	"slices"
	"time"

	"github.com/google/uuid"

	"imcore/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID       int64  `gorm:"primaryKey"`
	Name     string `gorm:"uniqueIndex;not null"`
	Password string `gorm:"not null"`
	Email    string `gorm:"uniqueIndex;not null"`
}

func (UserModel) TableName() string { return "users" }

type ChannelModel struct {
	ID          int64                `gorm:"primaryKey"`
	Name        string               `gorm:"uniqueIndex;not null"`
	OwnerID     int64                `gorm:"not null;index"`
	Owner       UserModel            `gorm:"foreignKey:OwnerID"`
	IsPublic    bool                 `gorm:"not null;index"`
	DefaultRole string               `gorm:"not null"`
	CreatedAt   time.Time            `gorm:"not null"`
	Members     []ChannelMemberModel `gorm:"foreignKey:ChannelID"`
}

func (ChannelModel) TableName() string { return "channels" }

type ChannelMemberModel struct {
	ChannelID int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"primaryKey;index"`
	User      UserModel `gorm:"foreignKey:UserID"`
	Role      string    `gorm:"not null"`
}

func (ChannelMemberModel) TableName() string { return "channel_members" }

type MessageModel struct {
	ID        int64        `gorm:"primaryKey"`
	ChannelID int64        `gorm:"not null;index"`
	Channel   ChannelModel `gorm:"foreignKey:ChannelID"`
	UserID    int64        `gorm:"not null;index"`
	User      UserModel    `gorm:"foreignKey:UserID"`
	Content   string       `gorm:"type:varchar(300);not null"`
	CreatedAt time.Time    `gorm:"not null;index"`
	EditedAt  *time.Time
}

func (MessageModel) TableName() string { return "messages" }

type ChannelInvitationModel struct {
	ID        int64        `gorm:"primaryKey"`
	ChannelID int64        `gorm:"not null;index"`
	Channel   ChannelModel `gorm:"foreignKey:ChannelID"`
	InviterID int64        `gorm:"not null;index"`
	Inviter   UserModel    `gorm:"foreignKey:InviterID"`
	InviteeID int64        `gorm:"not null;index"`
	Invitee   UserModel    `gorm:"foreignKey:InviteeID"`
	Status    string       `gorm:"not null"`
	Role      string       `gorm:"not null"`
	ExpiresAt time.Time    `gorm:"not null;index"`
}

func (ChannelInvitationModel) TableName() string { return "channel_invitations" }

type SessionModel struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index"`
	User      UserModel `gorm:"foreignKey:UserID"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (SessionModel) TableName() string { return "sessions" }

type AccessTokenModel struct {
	Token     uuid.UUID    `gorm:"type:uuid;primaryKey"`
	SessionID int64        `gorm:"not null;index"`
	Session   SessionModel `gorm:"foreignKey:SessionID"`
	ExpiresAt time.Time    `gorm:"not null;index"`
}

func (AccessTokenModel) TableName() string { return "access_tokens" }

type RefreshTokenModel struct {
	Token     uuid.UUID    `gorm:"type:uuid;primaryKey"`
	SessionID int64        `gorm:"not null;index"`
	Session   SessionModel `gorm:"foreignKey:SessionID"`
	ExpiresAt time.Time    `gorm:"not null;index"`
}

func (RefreshTokenModel) TableName() string { return "refresh_tokens" }

type ImInvitationModel struct {
	Token     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Status    string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (ImInvitationModel) TableName() string { return "im_invitations" }

func allModels() []any {
	return []any{
		&UserModel{}, &ChannelModel{}, &ChannelMemberModel{}, &MessageModel{},
		&ChannelInvitationModel{}, &SessionModel{}, &AccessTokenModel{},
		&RefreshTokenModel{}, &ImInvitationModel{},
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{ID: u.ID, Name: u.Name, Password: u.Password, Email: u.Email}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{ID: m.ID, Name: m.Name, Password: m.Password, Email: m.Email}
}

// refUser returns the loaded user or, when the association was not
// preloaded, a user carrying only its id.
func refUser(m UserModel, id int64) domain.User {
	if m.ID == 0 {
		return domain.User{ID: id}
	}
	return userFromModel(m)
}

func channelToModel(c domain.Channel) ChannelModel {
	return ChannelModel{
		ID:          c.ID,
		Name:        c.Name,
		OwnerID:     c.Owner.ID,
		IsPublic:    c.IsPublic,
		DefaultRole: string(c.DefaultRole),
		CreatedAt:   c.CreatedAt,
	}
}

func membersToModel(c domain.Channel) []ChannelMemberModel {
	out := make([]ChannelMemberModel, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, ChannelMemberModel{ChannelID: c.ID, UserID: m.User.ID, Role: string(m.Role)})
	}
	return out
}

func channelFromModel(m ChannelModel) domain.Channel {
	members := make([]domain.Member, 0, len(m.Members))
	for _, cm := range m.Members {
		members = append(members, domain.Member{User: refUser(cm.User, cm.UserID), Role: domain.ChannelRole(cm.Role)})
	}
	slices.SortFunc(members, func(a, b domain.Member) int { return cmp.Compare(a.User.ID, b.User.ID) })
	return domain.Channel{
		ID:          m.ID,
		Name:        m.Name,
		Owner:       refUser(m.Owner, m.OwnerID),
		IsPublic:    m.IsPublic,
		DefaultRole: domain.ChannelRole(m.DefaultRole),
		CreatedAt:   m.CreatedAt.UTC(),
		Members:     members,
	}
}

func refChannel(m ChannelModel, id int64) domain.Channel {
	if m.ID == 0 {
		return domain.Channel{ID: id}
	}
	return channelFromModel(m)
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:        msg.ID,
		ChannelID: msg.Channel.ID,
		UserID:    msg.User.ID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		EditedAt:  msg.EditedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	var edited *time.Time
	if m.EditedAt != nil {
		t := m.EditedAt.UTC()
		edited = &t
	}
	return domain.Message{
		ID:        m.ID,
		Channel:   refChannel(m.Channel, m.ChannelID),
		User:      refUser(m.User, m.UserID),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
		EditedAt:  edited,
	}
}

func invitationToModel(i domain.ChannelInvitation) ChannelInvitationModel {
	return ChannelInvitationModel{
		ID:        i.ID,
		ChannelID: i.Channel.ID,
		InviterID: i.Inviter.ID,
		InviteeID: i.Invitee.ID,
		Status:    string(i.Status),
		Role:      string(i.Role),
		ExpiresAt: i.ExpiresAt,
	}
}

func invitationFromModel(m ChannelInvitationModel) domain.ChannelInvitation {
	return domain.ChannelInvitation{
		ID:        m.ID,
		Channel:   refChannel(m.Channel, m.ChannelID),
		Inviter:   refUser(m.Inviter, m.InviterID),
		Invitee:   refUser(m.Invitee, m.InviteeID),
		Status:    domain.InvitationStatus(m.Status),
		Role:      domain.ChannelRole(m.Role),
		ExpiresAt: m.ExpiresAt.UTC(),
	}
}

func sessionToModel(s domain.Session) SessionModel {
	return SessionModel{ID: s.ID, UserID: s.User.ID, ExpiresAt: s.ExpiresAt}
}

func sessionFromModel(m SessionModel) domain.Session {
	return domain.Session{ID: m.ID, User: refUser(m.User, m.UserID), ExpiresAt: m.ExpiresAt.UTC()}
}

func refSession(m SessionModel, id int64) domain.Session {
	if m.ID == 0 {
		return domain.Session{ID: id}
	}
	return sessionFromModel(m)
}

func accessTokenFromModel(m AccessTokenModel) domain.AccessToken {
	return domain.AccessToken{Token: m.Token, Session: refSession(m.Session, m.SessionID), ExpiresAt: m.ExpiresAt.UTC()}
}

func refreshTokenFromModel(m RefreshTokenModel) domain.RefreshToken {
	return domain.RefreshToken{Token: m.Token, Session: refSession(m.Session, m.SessionID), ExpiresAt: m.ExpiresAt.UTC()}
}

func imInvitationToModel(i domain.ImInvitation) ImInvitationModel {
	return ImInvitationModel{Token: i.Token, Status: string(i.Status), ExpiresAt: i.ExpiresAt}
}

func imInvitationFromModel(m ImInvitationModel) domain.ImInvitation {
	return domain.ImInvitation{Token: m.Token, Status: domain.ImInvitationStatus(m.Status), ExpiresAt: m.ExpiresAt.UTC()}
}
