package memstore

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/store"
)

// Write operations validate everything before touching the view so that a
// failed operation leaves no partial state behind.

func checkWrite[K comparable, V any](l *layer[K, V], key K, insert bool, entity string) error {
	exists := l.has(key)
	switch {
	case insert && exists:
		return fmt.Errorf("%w: %s %v already exists", store.ErrConflict, entity, key)
	case !insert && !exists:
		return fmt.Errorf("%w: %s %v", store.ErrNotFound, entity, key)
	}
	return nil
}

func (v *view) requireUser(id int64, what string) error {
	if !v.users.has(id) {
		return fmt.Errorf("%w: %s %d does not exist", store.ErrIntegrityViolation, what, id)
	}
	return nil
}

func (v *view) saveUser(r userRow, insert bool) error {
	if err := checkWrite(v.users, r.ID, insert, "user"); err != nil {
		return err
	}
	if _, taken := v.users.find(func(o userRow) bool { return o.ID != r.ID && o.Name == r.Name }); taken {
		return fmt.Errorf("%w: user name %q already taken", store.ErrConflict, r.Name)
	}
	if _, taken := v.users.find(func(o userRow) bool { return o.ID != r.ID && o.Email == r.Email }); taken {
		return fmt.Errorf("%w: email %q already registered", store.ErrConflict, r.Email)
	}
	v.users.put(r.ID, r)
	v.emitSaved(insert, events.EntityUser, idKey(r.ID), func() any { return v.toUser(r) })
	return nil
}

// deleteUser removes owned channels, memberships elsewhere, authored
// messages, invitations sent or received and sessions before the user row.
func (v *view) deleteUser(id int64) bool {
	r, ok := v.users.get(id)
	if !ok {
		return false
	}
	payload := func() any { return v.toUser(r) }
	for _, chID := range v.channels.keys(func(c channelRow) bool { return c.OwnerID == id }) {
		v.deleteChannel(chID)
	}
	for _, c := range v.channels.filter(func(c channelRow) bool { _, member := c.Members[id]; return member }) {
		c.Members = maps.Clone(c.Members)
		delete(c.Members, id)
		v.channels.put(c.ID, c)
		v.emit(events.Updated, events.EntityChannel, idKey(c.ID), func() any { return v.toChannel(c) })
	}
	for _, msgID := range v.messages.keys(func(m messageRow) bool { return m.UserID == id }) {
		v.deleteMessage(msgID)
	}
	for _, invID := range v.invitations.keys(func(i invitationRow) bool { return i.InviterID == id || i.InviteeID == id }) {
		v.deleteInvitation(invID)
	}
	for _, sessID := range v.sessions.keys(func(s sessionRow) bool { return s.UserID == id }) {
		v.deleteSession(sessID)
	}
	v.emit(events.Removed, events.EntityUser, idKey(id), payload)
	v.users.del(id)
	return true
}

func ownerRoleRule(c channelRow, userID int64, role domain.ChannelRole) error {
	if userID == c.OwnerID && role != domain.RoleOwner {
		return fmt.Errorf("%w: owner of channel %d must keep the OWNER role", store.ErrIntegrityViolation, c.ID)
	}
	if userID != c.OwnerID && role == domain.RoleOwner {
		return fmt.Errorf("%w: OWNER role of channel %d is reserved for its owner", store.ErrIntegrityViolation, c.ID)
	}
	return nil
}

func checkRole(role domain.ChannelRole) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown channel role %q", store.ErrInvalidArgument, role)
	}
	return nil
}

func (v *view) saveChannel(r channelRow, insert bool) error {
	if err := checkWrite(v.channels, r.ID, insert, "channel"); err != nil {
		return err
	}
	if err := checkRole(r.DefaultRole); err != nil {
		return err
	}
	if err := v.requireUser(r.OwnerID, "owner"); err != nil {
		return err
	}
	for userID, role := range r.Members {
		if err := checkRole(role); err != nil {
			return err
		}
		if err := v.requireUser(userID, "member"); err != nil {
			return err
		}
		if err := ownerRoleRule(r, userID, role); err != nil {
			return err
		}
	}
	if _, taken := v.channels.find(func(o channelRow) bool { return o.ID != r.ID && o.Name == r.Name }); taken {
		return fmt.Errorf("%w: channel name %q already taken", store.ErrConflict, r.Name)
	}
	r.Members = maps.Clone(r.Members)
	r.Members[r.OwnerID] = domain.RoleOwner
	v.channels.put(r.ID, r)
	v.emitSaved(insert, events.EntityChannel, idKey(r.ID), func() any { return v.toChannel(r) })
	return nil
}

// deleteChannel removes the channel's messages and invitations before the
// channel row.
func (v *view) deleteChannel(id int64) bool {
	r, ok := v.channels.get(id)
	if !ok {
		return false
	}
	payload := func() any { return v.toChannel(r) }
	for _, msgID := range v.messages.keys(func(m messageRow) bool { return m.ChannelID == id }) {
		v.deleteMessage(msgID)
	}
	for _, invID := range v.invitations.keys(func(i invitationRow) bool { return i.ChannelID == id }) {
		v.deleteInvitation(invID)
	}
	v.emit(events.Removed, events.EntityChannel, idKey(id), payload)
	v.channels.del(id)
	return true
}

func (v *view) channelForUpdate(id int64) (channelRow, error) {
	c, ok := v.channels.get(id)
	if !ok {
		return channelRow{}, fmt.Errorf("%w: channel %d", store.ErrNotFound, id)
	}
	return c, nil
}

func (v *view) putMembers(c channelRow, members map[int64]domain.ChannelRole) {
	c.Members = members
	v.channels.put(c.ID, c)
	v.emit(events.Updated, events.EntityChannel, idKey(c.ID), func() any { return v.toChannel(c) })
}

func (v *view) addMember(channelID, userID int64, role domain.ChannelRole) error {
	c, err := v.channelForUpdate(channelID)
	if err != nil {
		return err
	}
	if err := checkRole(role); err != nil {
		return err
	}
	if err := v.requireUser(userID, "user"); err != nil {
		return err
	}
	if err := ownerRoleRule(c, userID, role); err != nil {
		return err
	}
	members := maps.Clone(c.Members)
	members[userID] = role
	v.putMembers(c, members)
	return nil
}

func (v *view) removeMember(channelID, userID int64) error {
	c, err := v.channelForUpdate(channelID)
	if err != nil {
		return err
	}
	if userID == c.OwnerID {
		return fmt.Errorf("%w: cannot remove the owner of channel %d", store.ErrIntegrityViolation, channelID)
	}
	if _, ok := c.Members[userID]; !ok {
		return nil
	}
	members := maps.Clone(c.Members)
	delete(members, userID)
	v.putMembers(c, members)
	return nil
}

func (v *view) updateMemberRole(channelID, userID int64, role domain.ChannelRole) error {
	c, err := v.channelForUpdate(channelID)
	if err != nil {
		return err
	}
	if err := checkRole(role); err != nil {
		return err
	}
	if _, ok := c.Members[userID]; !ok {
		return fmt.Errorf("%w: user %d is not a member of channel %d", store.ErrNotFound, userID, channelID)
	}
	if err := ownerRoleRule(c, userID, role); err != nil {
		return err
	}
	members := maps.Clone(c.Members)
	members[userID] = role
	v.putMembers(c, members)
	return nil
}

func (v *view) saveMessage(r messageRow, insert bool) error {
	if err := checkWrite(v.messages, r.ID, insert, "message"); err != nil {
		return err
	}
	if !v.channels.has(r.ChannelID) {
		return fmt.Errorf("%w: channel %d does not exist", store.ErrIntegrityViolation, r.ChannelID)
	}
	if err := v.requireUser(r.UserID, "author"); err != nil {
		return err
	}
	v.messages.put(r.ID, r)
	v.emitSaved(insert, events.EntityMessage, idKey(r.ID), func() any { return v.toMessage(r) })
	return nil
}

func (v *view) deleteMessage(id int64) bool {
	r, ok := v.messages.get(id)
	if !ok {
		return false
	}
	v.emit(events.Removed, events.EntityMessage, idKey(id), func() any { return v.toMessage(r) })
	v.messages.del(id)
	return true
}

func (v *view) saveInvitation(r invitationRow, insert bool) error {
	if err := checkWrite(v.invitations, r.ID, insert, "channel invitation"); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown invitation status %q", store.ErrInvalidArgument, r.Status)
	}
	if err := checkRole(r.Role); err != nil {
		return err
	}
	c, ok := v.channels.get(r.ChannelID)
	if !ok {
		return fmt.Errorf("%w: channel %d does not exist", store.ErrIntegrityViolation, r.ChannelID)
	}
	if err := v.requireUser(r.InviterID, "inviter"); err != nil {
		return err
	}
	if err := v.requireUser(r.InviteeID, "invitee"); err != nil {
		return err
	}
	if _, member := c.Members[r.InviterID]; insert && !member {
		return fmt.Errorf("%w: inviter %d is not a member of channel %d", store.ErrIntegrityViolation, r.InviterID, r.ChannelID)
	}
	if r.Status == domain.InvitationPending {
		if _, dup := v.invitations.find(func(o invitationRow) bool {
			return o.ID != r.ID && o.ChannelID == r.ChannelID && o.InviteeID == r.InviteeID && o.Status == domain.InvitationPending
		}); dup {
			return fmt.Errorf("%w: user %d already has a pending invitation to channel %d", store.ErrConflict, r.InviteeID, r.ChannelID)
		}
	}
	v.invitations.put(r.ID, r)
	v.emitSaved(insert, events.EntityChannelInvitation, idKey(r.ID), func() any { return v.toInvitation(r) })
	return nil
}

func (v *view) deleteInvitation(id int64) bool {
	r, ok := v.invitations.get(id)
	if !ok {
		return false
	}
	v.emit(events.Removed, events.EntityChannelInvitation, idKey(id), func() any { return v.toInvitation(r) })
	v.invitations.del(id)
	return true
}

func (v *view) saveSession(r sessionRow, insert bool) error {
	if err := checkWrite(v.sessions, r.ID, insert, "session"); err != nil {
		return err
	}
	if err := v.requireUser(r.UserID, "user"); err != nil {
		return err
	}
	v.sessions.put(r.ID, r)
	v.emitSaved(insert, events.EntitySession, idKey(r.ID), func() any { return v.toSession(r) })
	return nil
}

// deleteSession removes the session's tokens before the session row.
func (v *view) deleteSession(id int64) bool {
	r, ok := v.sessions.get(id)
	if !ok {
		return false
	}
	payload := func() any { return v.toSession(r) }
	for _, token := range v.accessTokens.keys(func(t tokenRow) bool { return t.SessionID == id }) {
		v.deleteAccessToken(token)
	}
	for _, token := range v.refreshTokens.keys(func(t tokenRow) bool { return t.SessionID == id }) {
		v.deleteRefreshToken(token)
	}
	v.emit(events.Removed, events.EntitySession, idKey(id), payload)
	v.sessions.del(id)
	return true
}

func (v *view) saveToken(l *layer[uuid.UUID, tokenRow], entity string, r tokenRow, insert bool) error {
	if err := checkWrite(l, r.Token, insert, entity); err != nil {
		return err
	}
	if !v.sessions.has(r.SessionID) {
		return fmt.Errorf("%w: session %d does not exist", store.ErrIntegrityViolation, r.SessionID)
	}
	l.put(r.Token, r)
	return nil
}

func (v *view) saveAccessToken(r tokenRow, insert bool) error {
	if err := v.saveToken(v.accessTokens, "access token", r, insert); err != nil {
		return err
	}
	v.emitSaved(insert, events.EntityAccessToken, r.Token.String(), func() any { return v.toAccessToken(r) })
	return nil
}

func (v *view) deleteAccessToken(token uuid.UUID) bool {
	r, ok := v.accessTokens.get(token)
	if !ok {
		return false
	}
	v.emit(events.Removed, events.EntityAccessToken, token.String(), func() any { return v.toAccessToken(r) })
	v.accessTokens.del(token)
	return true
}

func (v *view) saveRefreshToken(r tokenRow, insert bool) error {
	if err := v.saveToken(v.refreshTokens, "refresh token", r, insert); err != nil {
		return err
	}
	v.emitSaved(insert, events.EntityRefreshToken, r.Token.String(), func() any { return v.toRefreshToken(r) })
	return nil
}

func (v *view) deleteRefreshToken(token uuid.UUID) bool {
	r, ok := v.refreshTokens.get(token)
	if !ok {
		return false
	}
	v.emit(events.Removed, events.EntityRefreshToken, token.String(), func() any { return v.toRefreshToken(r) })
	v.refreshTokens.del(token)
	return true
}

func (v *view) saveImInvitation(r imInvitationRow, insert bool) error {
	if err := checkWrite(v.imInvitations, r.Token, insert, "invitation"); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown invitation status %q", store.ErrInvalidArgument, r.Status)
	}
	if old, ok := v.imInvitations.get(r.Token); ok && old.Status == r.Status {
		return fmt.Errorf("%w: cannot use invitation %s twice", store.ErrConflict, r.Token)
	}
	v.imInvitations.put(r.Token, r)
	v.emitSaved(insert, events.EntityImInvitation, r.Token.String(), func() any { return v.toImInvitation(r) })
	return nil
}

func (v *view) deleteImInvitation(token uuid.UUID) bool {
	r, ok := v.imInvitations.get(token)
	if !ok {
		return false
	}
	v.emit(events.Removed, events.EntityImInvitation, token.String(), func() any { return v.toImInvitation(r) })
	v.imInvitations.del(token)
	return true
}

func expiredBefore[K comparable, V any](l *layer[K, V], now time.Time, expiresAt func(V) time.Time) []K {
	return l.keys(func(r V) bool { return expiresAt(r).Before(now) })
}
