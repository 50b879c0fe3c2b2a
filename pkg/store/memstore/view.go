package memstore

import (
	"cmp"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"imcore/pkg/domain"
	"imcore/pkg/events"
)

// Rows are normalized: references are stored as ids and resolved on read.

type userRow struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type channelRow struct {
	ID          int64                        `json:"id"`
	Name        string                       `json:"name"`
	OwnerID     int64                        `json:"ownerId"`
	IsPublic    bool                         `json:"isPublic"`
	DefaultRole domain.ChannelRole           `json:"defaultRole"`
	CreatedAt   time.Time                    `json:"createdAt"`
	Members     map[int64]domain.ChannelRole `json:"members"`
}

type messageRow struct {
	ID        int64      `json:"id"`
	ChannelID int64      `json:"channelId"`
	UserID    int64      `json:"userId"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

type invitationRow struct {
	ID        int64                   `json:"id"`
	ChannelID int64                   `json:"channelId"`
	InviterID int64                   `json:"inviterId"`
	InviteeID int64                   `json:"inviteeId"`
	Status    domain.InvitationStatus `json:"status"`
	Role      domain.ChannelRole      `json:"role"`
	ExpiresAt time.Time               `json:"expiresAt"`
}

type sessionRow struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type tokenRow struct {
	Token     uuid.UUID `json:"token"`
	SessionID int64     `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type imInvitationRow struct {
	Token     uuid.UUID                 `json:"token"`
	Status    domain.ImInvitationStatus `json:"status"`
	ExpiresAt time.Time                 `json:"expiresAt"`
}

type tables struct {
	users         *table[int64, userRow]
	channels      *table[int64, channelRow]
	messages      *table[int64, messageRow]
	invitations   *table[int64, invitationRow]
	sessions      *table[int64, sessionRow]
	accessTokens  *table[uuid.UUID, tokenRow]
	refreshTokens *table[uuid.UUID, tokenRow]
	imInvitations *table[uuid.UUID, imInvitationRow]
}

func newTables() *tables {
	return &tables{
		users:         newTable[int64, userRow](),
		channels:      newTable[int64, channelRow](),
		messages:      newTable[int64, messageRow](),
		invitations:   newTable[int64, invitationRow](),
		sessions:      newTable[int64, sessionRow](),
		accessTokens:  newTable[uuid.UUID, tokenRow](),
		refreshTokens: newTable[uuid.UUID, tokenRow](),
		imInvitations: newTable[uuid.UUID, imInvitationRow](),
	}
}

func (t *tables) clone() *tables {
	return &tables{
		users:         t.users.clone(),
		channels:      t.channels.clone(),
		messages:      t.messages.clone(),
		invitations:   t.invitations.clone(),
		sessions:      t.sessions.clone(),
		accessTokens:  t.accessTokens.clone(),
		refreshTokens: t.refreshTokens.clone(),
		imInvitations: t.imInvitations.clone(),
	}
}

// view is a transaction's window on a set of tables.
type view struct {
	users         *layer[int64, userRow]
	channels      *layer[int64, channelRow]
	messages      *layer[int64, messageRow]
	invitations   *layer[int64, invitationRow]
	sessions      *layer[int64, sessionRow]
	accessTokens  *layer[uuid.UUID, tokenRow]
	refreshTokens *layer[uuid.UUID, tokenRow]
	imInvitations *layer[uuid.UUID, imInvitationRow]

	// record enables event collection; only the commit replay records.
	record bool
	now    func() time.Time
	events []events.Event
}

func newView(t *tables, now func() time.Time) *view {
	return &view{
		users:         overlay(t.users),
		channels:      overlay(t.channels),
		messages:      overlay(t.messages),
		invitations:   overlay(t.invitations),
		sessions:      overlay(t.sessions),
		accessTokens:  overlay(t.accessTokens),
		refreshTokens: overlay(t.refreshTokens),
		imInvitations: overlay(t.imInvitations),
		now:           now,
	}
}

func (v *view) merge() {
	v.users.merge()
	v.channels.merge()
	v.messages.merge()
	v.invitations.merge()
	v.sessions.merge()
	v.accessTokens.merge()
	v.refreshTokens.merge()
	v.imInvitations.merge()
}

// staleTables lists the tables this view depended on that were committed to
// since it was created.
func (v *view) staleTables(live *tables) []string {
	var out []string
	check := func(name string, stale bool) {
		if stale {
			out = append(out, name)
		}
	}
	check("users", v.users.stale(live.users))
	check("channels", v.channels.stale(live.channels))
	check("messages", v.messages.stale(live.messages))
	check("channel_invitations", v.invitations.stale(live.invitations))
	check("sessions", v.sessions.stale(live.sessions))
	check("access_tokens", v.accessTokens.stale(live.accessTokens))
	check("refresh_tokens", v.refreshTokens.stale(live.refreshTokens))
	check("im_invitations", v.imInvitations.stale(live.imInvitations))
	return out
}

func (v *view) emit(kind events.Kind, entity, key string, payload func() any) {
	if !v.record {
		return
	}
	v.events = append(v.events, events.Event{Kind: kind, Entity: entity, Key: key, Payload: payload(), At: v.now()})
}

func (v *view) emitSaved(insert bool, entity, key string, payload func() any) {
	kind := events.Updated
	if insert {
		kind = events.Persisted
	}
	v.emit(kind, entity, key, payload)
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func userRowOf(u domain.User) userRow {
	return userRow{ID: u.ID, Name: u.Name, Password: u.Password, Email: u.Email}
}

func (v *view) toUser(r userRow) domain.User {
	return domain.User{ID: r.ID, Name: r.Name, Password: r.Password, Email: r.Email}
}

func (v *view) user(id int64) domain.User {
	r, ok := v.users.get(id)
	if !ok {
		return domain.User{ID: id}
	}
	return v.toUser(r)
}

func channelRowOf(c domain.Channel) channelRow {
	members := make(map[int64]domain.ChannelRole, len(c.Members))
	for _, m := range c.Members {
		members[m.User.ID] = m.Role
	}
	return channelRow{
		ID:          c.ID,
		Name:        c.Name,
		OwnerID:     c.Owner.ID,
		IsPublic:    c.IsPublic,
		DefaultRole: c.DefaultRole,
		CreatedAt:   c.CreatedAt,
		Members:     members,
	}
}

func (v *view) toChannel(r channelRow) domain.Channel {
	members := make([]domain.Member, 0, len(r.Members))
	for userID, role := range r.Members {
		members = append(members, domain.Member{User: v.user(userID), Role: role})
	}
	slices.SortFunc(members, func(a, b domain.Member) int {
		return cmp.Compare(a.User.ID, b.User.ID)
	})
	return domain.Channel{
		ID:          r.ID,
		Name:        r.Name,
		Owner:       v.user(r.OwnerID),
		IsPublic:    r.IsPublic,
		DefaultRole: r.DefaultRole,
		CreatedAt:   r.CreatedAt,
		Members:     members,
	}
}

func (v *view) channel(id int64) domain.Channel {
	r, ok := v.channels.get(id)
	if !ok {
		return domain.Channel{ID: id}
	}
	return v.toChannel(r)
}

func messageRowOf(m domain.Message) messageRow {
	return messageRow{
		ID:        m.ID,
		ChannelID: m.Channel.ID,
		UserID:    m.User.ID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}

func (v *view) toMessage(r messageRow) domain.Message {
	return domain.Message{
		ID:        r.ID,
		Channel:   v.channel(r.ChannelID),
		User:      v.user(r.UserID),
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		EditedAt:  r.EditedAt,
	}
}

func invitationRowOf(i domain.ChannelInvitation) invitationRow {
	return invitationRow{
		ID:        i.ID,
		ChannelID: i.Channel.ID,
		InviterID: i.Inviter.ID,
		InviteeID: i.Invitee.ID,
		Status:    i.Status,
		Role:      i.Role,
		ExpiresAt: i.ExpiresAt,
	}
}

func (v *view) toInvitation(r invitationRow) domain.ChannelInvitation {
	return domain.ChannelInvitation{
		ID:        r.ID,
		Channel:   v.channel(r.ChannelID),
		Inviter:   v.user(r.InviterID),
		Invitee:   v.user(r.InviteeID),
		Status:    r.Status,
		Role:      r.Role,
		ExpiresAt: r.ExpiresAt,
	}
}

func sessionRowOf(s domain.Session) sessionRow {
	return sessionRow{ID: s.ID, UserID: s.User.ID, ExpiresAt: s.ExpiresAt}
}

func (v *view) toSession(r sessionRow) domain.Session {
	return domain.Session{ID: r.ID, User: v.user(r.UserID), ExpiresAt: r.ExpiresAt}
}

func (v *view) session(id int64) domain.Session {
	r, ok := v.sessions.get(id)
	if !ok {
		return domain.Session{ID: id}
	}
	return v.toSession(r)
}

func (v *view) toAccessToken(r tokenRow) domain.AccessToken {
	return domain.AccessToken{Token: r.Token, Session: v.session(r.SessionID), ExpiresAt: r.ExpiresAt}
}

func (v *view) toRefreshToken(r tokenRow) domain.RefreshToken {
	return domain.RefreshToken{Token: r.Token, Session: v.session(r.SessionID), ExpiresAt: r.ExpiresAt}
}

func imInvitationRowOf(i domain.ImInvitation) imInvitationRow {
	return imInvitationRow{Token: i.Token, Status: i.Status, ExpiresAt: i.ExpiresAt}
}

func (v *view) toImInvitation(r imInvitationRow) domain.ImInvitation {
	return domain.ImInvitation{Token: r.Token, Status: r.Status, ExpiresAt: r.ExpiresAt}
}
