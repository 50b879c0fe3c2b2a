// Package storetest holds the behaviour every storage engine must share.
// Engines run it from their own tests with a factory returning an empty
// store per call.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

// Harness is one empty store wired for testing.
type Harness struct {
	Manager  *store.TransactionManager
	Beginner store.Beginner
	Events   *events.Recorder
}

type Factory func(t *testing.T) Harness

var (
	past   = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	future = time.Date(2101, 1, 1, 0, 0, 0, 0, time.UTC)
	epoch  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// Run executes the shared suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"UserUniqueness", testUserUniqueness},
		{"UserQueries", testUserQueries},
		{"ChannelNameConflict", testChannelNameConflict},
		{"SaveUnknownIDInserts", testSaveUnknownIDInserts},
		{"ChannelQueries", testChannelQueries},
		{"ChannelPagination", testChannelPagination},
		{"ChannelSorting", testChannelSorting},
		{"InvalidListing", testInvalidListing},
		{"Membership", testMembership},
		{"GenericOperations", testGenericOperations},
		{"OwnerDeletionCascades", testOwnerDeletionCascades},
		{"ChannelDeletionCascades", testChannelDeletionCascades},
		{"SessionCascades", testSessionCascades},
		{"DeleteExpired", testDeleteExpired},
		{"SinglePendingInvitation", testSinglePendingInvitation},
		{"ImInvitationSingleUse", testImInvitationSingleUse},
		{"Messages", testMessages},
		{"RollbackDiscardsWrites", testRollbackDiscardsWrites},
		{"UncommittedWritesInvisible", testUncommittedWritesInvisible},
		{"ClosedTransaction", testClosedTransaction},
		{"SerializableRetry", testSerializableRetry},
		{"ConcurrentMembership", testConcurrentMembership},
		{"ConcurrentUniqueInsert", testConcurrentUniqueInsert},
		{"Events", testEvents},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory(t))
		})
	}
}

func do(t *testing.T, h Harness, fn func(tx store.Transaction) error) {
	t.Helper()
	require.NoError(t, h.Manager.Run(context.Background(), store.ReadCommitted, fn))
}

func doErr(h Harness, fn func(tx store.Transaction) error) error {
	return h.Manager.Run(context.Background(), store.ReadCommitted, fn)
}

func newUser(name string) domain.User {
	return domain.User{Name: name, Password: "secret-" + name, Email: name + "@example.com"}
}

func saveUsers(t *testing.T, h Harness, names ...string) []domain.User {
	t.Helper()
	var out []domain.User
	do(t, h, func(tx store.Transaction) error {
		users := make([]domain.User, 0, len(names))
		for _, n := range names {
			users = append(users, newUser(n))
		}
		saved, err := tx.Users().SaveAll(users)
		out = saved
		return err
	})
	return out
}

func saveChannel(t *testing.T, h Harness, name string, owner domain.User, public bool) domain.Channel {
	t.Helper()
	var out domain.Channel
	do(t, h, func(tx store.Transaction) error {
		var err error
		out, err = tx.Channels().Save(domain.NewChannel(name, owner, public, domain.RoleMember, epoch))
		return err
	})
	return out
}

func channelNames(cs []domain.Channel) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}

func intPtr(v int) *int { return &v }

func testUserUniqueness(t *testing.T, h Harness) {
	users := saveUsers(t, h, "alice")

	err := doErr(h, func(tx store.Transaction) error {
		u := newUser("alice")
		u.Email = "other@example.com"
		_, err := tx.Users().Save(u)
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = doErr(h, func(tx store.Transaction) error {
		u := newUser("alicia")
		u.Email = "alice@example.com"
		_, err := tx.Users().Save(u)
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	do(t, h, func(tx store.Transaction) error {
		u := users[0]
		u.Password = "changed"
		saved, err := tx.Users().Save(u)
		if err != nil {
			return err
		}
		if saved.ID != users[0].ID {
			return fmt.Errorf("update changed id %d -> %d", users[0].ID, saved.ID)
		}
		return nil
	})
}

func testUserQueries(t *testing.T, h Harness) {
	saveUsers(t, h, "alice", "Albert", "bob")

	do(t, h, func(tx store.Transaction) error {
		users := tx.Users()
		u, ok, err := users.FindByName("bob")
		if err != nil || !ok || u.Email != "bob@example.com" {
			return fmt.Errorf("find by name: %+v %v %v", u, ok, err)
		}
		if _, ok, err := users.FindByEmail("nobody@example.com"); err != nil || ok {
			return fmt.Errorf("find unknown email: %v %v", ok, err)
		}
		if _, ok, err := users.FindByNameAndPassword("alice", "secret-alice"); err != nil || !ok {
			return fmt.Errorf("find by name and password: %v %v", ok, err)
		}
		if _, ok, err := users.FindByNameAndPassword("alice", "wrong"); err != nil || ok {
			return fmt.Errorf("wrong password matched: %v %v", ok, err)
		}
		if _, ok, err := users.FindByEmailAndPassword("bob@example.com", "secret-bob"); err != nil || !ok {
			return fmt.Errorf("find by email and password: %v %v", ok, err)
		}
		page, err := users.FindByPartialName("al", pagination.Request{Limit: 10, GetCount: true}, pagination.Sort{By: "name"})
		if err != nil {
			return err
		}
		if len(page.Items) != 2 || page.Items[0].Name != "Albert" || page.Items[1].Name != "alice" {
			return fmt.Errorf("partial name: %+v", page.Items)
		}
		return nil
	})
}

func testChannelNameConflict(t *testing.T, h Harness) {
	owner := saveUsers(t, h, "owner")[0]
	general := saveChannel(t, h, "general", owner, true)

	err := doErr(h, func(tx store.Transaction) error {
		_, err := tx.Channels().Save(domain.NewChannel("general", owner, false, domain.RoleGuest, epoch))
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	do(t, h, func(tx store.Transaction) error {
		general.IsPublic = false
		_, err := tx.Channels().Save(general)
		return err
	})
	do(t, h, func(tx store.Transaction) error {
		n, err := tx.Channels().Count()
		if err == nil && n != 1 {
			err = fmt.Errorf("count = %d, want 1", n)
		}
		return err
	})
}

func testSaveUnknownIDInserts(t *testing.T, h Harness) {
	u := newUser("ghost")
	u.ID = 987654
	do(t, h, func(tx store.Transaction) error {
		saved, err := tx.Users().Save(u)
		if err != nil {
			return err
		}
		if saved.ID == 0 || saved.ID == u.ID {
			return fmt.Errorf("expected a freshly assigned id, got %d", saved.ID)
		}
		return nil
	})
}

func testChannelQueries(t *testing.T, h Harness) {
	users := saveUsers(t, h, "alice", "bob")
	alice, bob := users[0], users[1]
	saveChannel(t, h, "general", alice, true)
	saveChannel(t, h, "gossip", alice, false)
	random := saveChannel(t, h, "random", bob, true)

	do(t, h, func(tx store.Transaction) error {
		channels := tx.Channels()
		if _, ok, err := channels.FindByName("gossip", true); err != nil || ok {
			return fmt.Errorf("private channel visible with public filter: %v %v", ok, err)
		}
		c, ok, err := channels.FindByName("gossip", false)
		if err != nil || !ok {
			return fmt.Errorf("find private channel: %v %v", ok, err)
		}
		if c.Owner.ID != alice.ID || len(c.Members) != 1 || c.Members[0].Role != domain.RoleOwner {
			return fmt.Errorf("unexpected channel: %+v", c)
		}
		req := pagination.Request{Limit: 10, GetCount: true}
		byName := pagination.Sort{By: "name"}

		page, err := channels.FindByPartialName("G", false, req, byName)
		if err != nil {
			return err
		}
		if got := channelNames(page.Items); fmt.Sprint(got) != "[general gossip]" {
			return fmt.Errorf("partial name = %v", got)
		}
		page, err = channels.FindByPartialName("g", true, req, byName)
		if err != nil {
			return err
		}
		if got := channelNames(page.Items); fmt.Sprint(got) != "[general]" {
			return fmt.Errorf("public partial name = %v", got)
		}
		page, err = channels.FindPublic(req, byName)
		if err != nil {
			return err
		}
		if got := channelNames(page.Items); fmt.Sprint(got) != "[general random]" {
			return fmt.Errorf("public = %v", got)
		}
		page, err = channels.FindByOwner(alice.ID, req, byName)
		if err != nil {
			return err
		}
		if got := channelNames(page.Items); fmt.Sprint(got) != "[general gossip]" {
			return fmt.Errorf("by owner = %v", got)
		}
		if err := channels.AddMember(random.ID, alice.ID, domain.RoleGuest); err != nil {
			return err
		}
		page, err = channels.FindByMember(alice.ID, req, byName)
		if err != nil {
			return err
		}
		if got := channelNames(page.Items); fmt.Sprint(got) != "[general gossip random]" {
			return fmt.Errorf("by member = %v", got)
		}
		return nil
	})
}

func testChannelPagination(t *testing.T, h Harness) {
	owner := saveUsers(t, h, "owner")[0]
	saveChannel(t, h, "alpha", owner, true)
	saveChannel(t, h, "beta", owner, true)
	byName := pagination.Sort{By: "name"}

	do(t, h, func(tx store.Transaction) error {
		first, err := tx.Channels().Find(pagination.Request{Limit: 1, GetCount: true}, byName)
		if err != nil {
			return err
		}
		second, err := tx.Channels().Find(pagination.Request{Offset: 1, Limit: 1, GetCount: true}, byName)
		if err != nil {
			return err
		}
		slice, err := tx.Channels().Find(pagination.Request{Limit: 1}, byName)
		if err != nil {
			return err
		}
		lastSlice, err := tx.Channels().Find(pagination.Request{Offset: 1, Limit: 1}, byName)
		if err != nil {
			return err
		}

		assert.Equal(t, []string{"alpha"}, channelNames(first.Items))
		assert.Equal(t, &pagination.Info{Total: intPtr(2), TotalPages: intPtr(2), CurrentPage: 1, NextPage: intPtr(2)}, first.Info)
		assert.Equal(t, []string{"beta"}, channelNames(second.Items))
		assert.Equal(t, &pagination.Info{Total: intPtr(2), TotalPages: intPtr(2), CurrentPage: 2, PrevPage: intPtr(1)}, second.Info)
		assert.Equal(t, &pagination.Info{CurrentPage: 1, NextPage: intPtr(2)}, slice.Info)
		assert.Equal(t, &pagination.Info{CurrentPage: 2, PrevPage: intPtr(1)}, lastSlice.Info)
		return nil
	})
}

func testChannelSorting(t *testing.T, h Harness) {
	owner := saveUsers(t, h, "owner")[0]
	for _, name := range []string{"bravo", "alpha", "charlie"} {
		saveChannel(t, h, name, owner, true)
	}

	do(t, h, func(tx store.Transaction) error {
		for range 3 {
			page, err := tx.Channels().Find(pagination.Request{Limit: 10}, pagination.Sort{By: "name", Direction: pagination.Desc})
			if err != nil {
				return err
			}
			assert.Equal(t, []string{"charlie", "bravo", "alpha"}, channelNames(page.Items))
		}
		page, err := tx.Channels().Find(pagination.Request{Limit: 10}, pagination.Sort{})
		if err != nil {
			return err
		}
		assert.Equal(t, []string{"bravo", "alpha", "charlie"}, channelNames(page.Items))
		return nil
	})
}

func testInvalidListing(t *testing.T, h Harness) {
	do(t, h, func(tx store.Transaction) error {
		_, err := tx.Channels().Find(pagination.Request{Limit: 0}, pagination.Sort{})
		assert.ErrorIs(t, err, store.ErrInvalidArgument)
		_, err = tx.Users().Find(pagination.Request{Limit: 5}, pagination.Sort{By: "password"})
		assert.ErrorIs(t, err, store.ErrInvalidArgument)
		_, err = tx.Messages().FindByChannel(1, time.Time{}, pagination.Request{Limit: 5}, pagination.Sort{By: "content"})
		assert.ErrorIs(t, err, store.ErrInvalidArgument)
		return nil
	})
}

func testMembership(t *testing.T, h Harness) {
	users := saveUsers(t, h, "owner", "member")
	owner, member := users[0], users[1]
	ch := saveChannel(t, h, "team", owner, false)

	do(t, h, func(tx store.Transaction) error {
		channels := tx.Channels()
		if err := channels.AddMember(ch.ID, member.ID, domain.RoleGuest); err != nil {
			return err
		}
		m, ok, err := channels.GetMember(ch.ID, member.ID)
		if err != nil || !ok || m.Role != domain.RoleGuest || m.User.Name != "member" {
			return fmt.Errorf("get member: %+v %v %v", m, ok, err)
		}
		if err := channels.UpdateMemberRole(ch.ID, member.ID, domain.RoleMember); err != nil {
			return err
		}
		got, _, err := channels.FindByID(ch.ID)
		if err != nil {
			return err
		}
		role, _ := got.Member(member.ID)
		if len(got.Members) != 2 || role.Role != domain.RoleMember {
			return fmt.Errorf("members after update: %+v", got.Members)
		}
		return nil
	})

	cases := []struct {
		name string
		fn   func(r store.ChannelRepository) error
		want error
	}{
		{"missing channel", func(r store.ChannelRepository) error { return r.AddMember(ch.ID+1000, member.ID, domain.RoleMember) }, store.ErrNotFound},
		{"missing user", func(r store.ChannelRepository) error { return r.AddMember(ch.ID, member.ID+1000, domain.RoleMember) }, store.ErrIntegrityViolation},
		{"second owner", func(r store.ChannelRepository) error { return r.UpdateMemberRole(ch.ID, member.ID, domain.RoleOwner) }, store.ErrIntegrityViolation},
		{"demote owner", func(r store.ChannelRepository) error { return r.UpdateMemberRole(ch.ID, owner.ID, domain.RoleGuest) }, store.ErrIntegrityViolation},
		{"remove owner", func(r store.ChannelRepository) error { return r.RemoveMember(ch.ID, owner.ID) }, store.ErrIntegrityViolation},
		{"unknown role", func(r store.ChannelRepository) error { return r.AddMember(ch.ID, member.ID, "ADMIN") }, store.ErrInvalidArgument},
	}
	for _, tc := range cases {
		err := doErr(h, func(tx store.Transaction) error { return tc.fn(tx.Channels()) })
		assert.ErrorIs(t, err, tc.want, tc.name)
	}

	do(t, h, func(tx store.Transaction) error {
		if err := tx.Channels().RemoveMember(ch.ID, member.ID); err != nil {
			return err
		}
		_, ok, err := tx.Channels().GetMember(ch.ID, member.ID)
		if err == nil && ok {
			err = errors.New("member still present after removal")
		}
		return err
	})
}

func testGenericOperations(t *testing.T, h Harness) {
	owner := saveUsers(t, h, "owner")[0]
	a := saveChannel(t, h, "a", owner, true)
	b := saveChannel(t, h, "b", owner, true)
	c := saveChannel(t, h, "c", owner, true)

	do(t, h, func(tx store.Transaction) error {
		channels := tx.Channels()
		all, err := channels.FindAll()
		if err != nil {
			return err
		}
		assert.Equal(t, []string{"a", "b", "c"}, channelNames(all))
		some, err := channels.FindAllByID([]int64{c.ID, a.ID, c.ID + 1000})
		if err != nil {
			return err
		}
		assert.Equal(t, []string{"a", "c"}, channelNames(some))
		exists, err := channels.ExistsByID(b.ID)
		if err != nil || !exists {
			return fmt.Errorf("exists: %v %v", exists, err)
		}
		if err := channels.DeleteByID(b.ID); err != nil {
			return err
		}
		if err := channels.Flush(); err != nil {
			return err
		}
		exists, err = channels.ExistsByID(b.ID)
		if err != nil || exists {
			return fmt.Errorf("exists after delete: %v %v", exists, err)
		}
		return channels.DeleteAllByID([]int64{a.ID, c.ID})
	})
	do(t, h, func(tx store.Transaction) error {
		n, err := tx.Channels().Count()
		if err == nil && n != 0 {
			err = fmt.Errorf("count = %d, want 0", n)
		}
		return err
	})
	do(t, h, func(tx store.Transaction) error {
		if err := tx.Users().Delete(owner); err != nil {
			return err
		}
		return tx.Users().DeleteAll()
	})
}

type world struct {
	owner, member, outsider domain.User
	owned, other            domain.Channel
	session                 domain.Session
}

// buildWorld creates two channels owned by different users with messages,
// invitations and a session with tokens for the first owner.
func buildWorld(t *testing.T, h Harness) world {
	t.Helper()
	users := saveUsers(t, h, "owner", "member", "outsider")
	w := world{owner: users[0], member: users[1], outsider: users[2]}
	w.owned = saveChannel(t, h, "owned", w.owner, true)
	w.other = saveChannel(t, h, "other", w.member, true)

	do(t, h, func(tx store.Transaction) error {
		ch := tx.Channels()
		if err := ch.AddMember(w.owned.ID, w.member.ID, domain.RoleMember); err != nil {
			return err
		}
		if err := ch.AddMember(w.other.ID, w.owner.ID, domain.RoleMember); err != nil {
			return err
		}
		msgs := tx.Messages()
		for _, m := range []domain.Message{
			{Channel: w.owned, User: w.member, Content: "hello owner", CreatedAt: epoch},
			{Channel: w.other, User: w.owner, Content: "hello member", CreatedAt: epoch},
			{Channel: w.other, User: w.member, Content: "reply", CreatedAt: epoch},
		} {
			if _, err := msgs.Save(m); err != nil {
				return err
			}
		}
		inv := tx.ChannelInvitations()
		if _, err := inv.Save(domain.ChannelInvitation{Channel: w.owned, Inviter: w.owner, Invitee: w.outsider, Status: domain.InvitationPending, Role: domain.RoleGuest, ExpiresAt: future}); err != nil {
			return err
		}
		if _, err := inv.Save(domain.ChannelInvitation{Channel: w.other, Inviter: w.member, Invitee: w.outsider, Status: domain.InvitationPending, Role: domain.RoleGuest, ExpiresAt: future}); err != nil {
			return err
		}
		var err error
		w.session, err = tx.Sessions().Save(domain.Session{User: w.owner, ExpiresAt: future})
		if err != nil {
			return err
		}
		if _, err := tx.AccessTokens().Save(domain.AccessToken{Session: w.session, ExpiresAt: future}); err != nil {
			return err
		}
		_, err = tx.RefreshTokens().Save(domain.RefreshToken{Session: w.session, ExpiresAt: future})
		return err
	})
	return w
}

type counts struct {
	users, channels, messages, invitations, sessions, access, refresh int64
}

func countAll(t *testing.T, h Harness) counts {
	t.Helper()
	var c counts
	do(t, h, func(tx store.Transaction) error {
		var errs []error
		count := func(dst *int64, fn func() (int64, error)) {
			n, err := fn()
			*dst = n
			errs = append(errs, err)
		}
		count(&c.users, tx.Users().Count)
		count(&c.channels, tx.Channels().Count)
		count(&c.messages, tx.Messages().Count)
		count(&c.invitations, tx.ChannelInvitations().Count)
		count(&c.sessions, tx.Sessions().Count)
		count(&c.access, tx.AccessTokens().Count)
		count(&c.refresh, tx.RefreshTokens().Count)
		return errors.Join(errs...)
	})
	return c
}

func testOwnerDeletionCascades(t *testing.T, h Harness) {
	w := buildWorld(t, h)
	require.Equal(t, counts{users: 3, channels: 2, messages: 3, invitations: 2, sessions: 1, access: 1, refresh: 1}, countAll(t, h))

	do(t, h, func(tx store.Transaction) error { return tx.Users().DeleteByID(w.owner.ID) })

	// Owned channel with its message and invitation, the owner's own message
	// in the other channel and the session with both tokens are gone.
	assert.Equal(t, counts{users: 2, channels: 1, messages: 1, invitations: 1}, countAll(t, h))
	do(t, h, func(tx store.Transaction) error {
		other, ok, err := tx.Channels().FindByID(w.other.ID)
		if err != nil || !ok {
			return fmt.Errorf("other channel: %v %v", ok, err)
		}
		if other.IsMember(w.owner.ID) || len(other.Members) != 1 {
			return fmt.Errorf("deleted user still a member: %+v", other.Members)
		}
		return nil
	})
}

func testChannelDeletionCascades(t *testing.T, h Harness) {
	w := buildWorld(t, h)

	do(t, h, func(tx store.Transaction) error { return tx.Channels().Delete(w.owned) })

	assert.Equal(t, counts{users: 3, channels: 1, messages: 2, invitations: 1, sessions: 1, access: 1, refresh: 1}, countAll(t, h))
}

func testSessionCascades(t *testing.T, h Harness) {
	w := buildWorld(t, h)

	do(t, h, func(tx store.Transaction) error {
		tokens, err := tx.AccessTokens().FindBySession(w.session.ID)
		if err != nil || len(tokens) != 1 || tokens[0].Session.User.ID != w.owner.ID {
			return fmt.Errorf("tokens by session: %+v %v", tokens, err)
		}
		return tx.Sessions().DeleteByID(w.session.ID)
	})

	c := countAll(t, h)
	assert.Zero(t, c.sessions)
	assert.Zero(t, c.access)
	assert.Zero(t, c.refresh)
}

func testDeleteExpired(t *testing.T, h Harness) {
	user := saveUsers(t, h, "user")[0]
	do(t, h, func(tx store.Transaction) error {
		for _, exp := range []time.Time{past, future} {
			s, err := tx.Sessions().Save(domain.Session{User: user, ExpiresAt: exp})
			if err != nil {
				return err
			}
			if _, err := tx.RefreshTokens().Save(domain.RefreshToken{Session: s, ExpiresAt: future}); err != nil {
				return err
			}
			if _, err := tx.ImInvitations().Save(domain.ImInvitation{Status: domain.ImInvitationPending, ExpiresAt: exp}); err != nil {
				return err
			}
		}
		return nil
	})

	do(t, h, func(tx store.Transaction) error {
		n, err := tx.Sessions().DeleteExpired()
		if err != nil || n != 1 {
			return fmt.Errorf("expired sessions: %d %v", n, err)
		}
		n, err = tx.ImInvitations().DeleteExpired()
		if err != nil || n != 1 {
			return fmt.Errorf("expired invitations: %d %v", n, err)
		}
		return nil
	})
	c := countAll(t, h)
	assert.Equal(t, int64(1), c.sessions)
	assert.Equal(t, int64(1), c.refresh)
}

func testSinglePendingInvitation(t *testing.T, h Harness) {
	users := saveUsers(t, h, "owner", "guest", "stranger")
	owner, guest, stranger := users[0], users[1], users[2]
	ch := saveChannel(t, h, "club", owner, false)
	invite := domain.ChannelInvitation{Channel: ch, Inviter: owner, Invitee: guest, Status: domain.InvitationPending, Role: domain.RoleMember, ExpiresAt: future}

	var first domain.ChannelInvitation
	do(t, h, func(tx store.Transaction) error {
		var err error
		first, err = tx.ChannelInvitations().Save(invite)
		return err
	})

	err := doErr(h, func(tx store.Transaction) error {
		_, err := tx.ChannelInvitations().Save(invite)
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = doErr(h, func(tx store.Transaction) error {
		_, err := tx.ChannelInvitations().Save(domain.ChannelInvitation{Channel: ch, Inviter: stranger, Invitee: guest, Status: domain.InvitationPending, Role: domain.RoleMember, ExpiresAt: future})
		return err
	})
	assert.ErrorIs(t, err, store.ErrIntegrityViolation)

	do(t, h, func(tx store.Transaction) error {
		pending, ok, err := tx.ChannelInvitations().FindPending(ch.ID, guest.ID)
		if err != nil || !ok || pending.ID != first.ID {
			return fmt.Errorf("find pending: %+v %v %v", pending, ok, err)
		}
		if _, err := tx.ChannelInvitations().Save(pending.Accept()); err != nil {
			return err
		}
		second, err := tx.ChannelInvitations().Save(invite)
		if err != nil {
			return err
		}
		if second.ID == first.ID {
			return errors.New("second invitation reused the first id")
		}
		page, err := tx.ChannelInvitations().FindByInvitee(guest.ID, pagination.Request{Limit: 10, GetCount: true}, pagination.Sort{By: "status"})
		if err != nil {
			return err
		}
		if len(page.Items) != 2 || page.Items[0].Status != domain.InvitationAccepted || page.Items[1].Status != domain.InvitationPending {
			return fmt.Errorf("by invitee: %+v", page.Items)
		}
		return nil
	})
}

func testImInvitationSingleUse(t *testing.T, h Harness) {
	var inv domain.ImInvitation
	do(t, h, func(tx store.Transaction) error {
		var err error
		inv, err = tx.ImInvitations().Save(domain.NewImInvitation(time.Hour, epoch))
		return err
	})

	err := doErr(h, func(tx store.Transaction) error {
		_, err := tx.ImInvitations().Save(inv)
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	do(t, h, func(tx store.Transaction) error {
		_, err := tx.ImInvitations().Save(inv.Use())
		return err
	})

	err = doErr(h, func(tx store.Transaction) error {
		_, err := tx.ImInvitations().Save(inv.Use())
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	do(t, h, func(tx store.Transaction) error {
		got, ok, err := tx.ImInvitations().FindByToken(inv.Token)
		if err != nil || !ok || got.Status != domain.ImInvitationUsed {
			return fmt.Errorf("find by token: %+v %v %v", got, ok, err)
		}
		return nil
	})
}

func testMessages(t *testing.T, h Harness) {
	users := saveUsers(t, h, "owner", "member")
	owner, member := users[0], users[1]
	ch := saveChannel(t, h, "chat", owner, true)

	err := doErr(h, func(tx store.Transaction) error {
		_, err := tx.Messages().Save(domain.Message{Channel: ch, User: owner, Content: "   "})
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	err = doErr(h, func(tx store.Transaction) error {
		_, err := tx.Messages().Save(domain.Message{Channel: domain.Channel{ID: ch.ID + 1000}, User: owner, Content: "hi"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrIntegrityViolation)

	do(t, h, func(tx store.Transaction) error {
		for i := range 3 {
			m := domain.Message{Channel: ch, User: member, Content: fmt.Sprintf("message %d", i), CreatedAt: epoch.Add(time.Duration(i) * time.Minute)}
			if _, err := tx.Messages().Save(m); err != nil {
				return err
			}
		}
		page, err := tx.Messages().FindByChannel(ch.ID, epoch.Add(2*time.Minute), pagination.Request{Limit: 10}, pagination.Sort{By: "createdAt", Direction: pagination.Desc})
		if err != nil {
			return err
		}
		if len(page.Items) != 2 || page.Items[0].Content != "message 1" || page.Items[1].Content != "message 0" {
			return fmt.Errorf("before filter: %+v", page.Items)
		}
		if page.Items[0].Channel.Name != "chat" || page.Items[0].User.Name != "member" {
			return fmt.Errorf("message references not loaded: %+v", page.Items[0])
		}
		edited, err := page.Items[0].Edit("message 1 (edited)", epoch.Add(time.Hour))
		if err != nil {
			return err
		}
		saved, err := tx.Messages().Save(edited)
		if err != nil {
			return err
		}
		if saved.EditedAt == nil || !saved.EditedAt.Equal(epoch.Add(time.Hour)) {
			return fmt.Errorf("edited at = %v", saved.EditedAt)
		}
		byUser, err := tx.Messages().FindByUser(member.ID, pagination.Request{Limit: 2, GetCount: true}, pagination.Sort{})
		if err != nil {
			return err
		}
		if *byUser.Info.Total != 3 || byUser.Info.NextPage == nil {
			return fmt.Errorf("by user info: %+v", byUser.Info)
		}
		return nil
	})
}

func testRollbackDiscardsWrites(t *testing.T, h Harness) {
	boom := errors.New("boom")
	err := doErr(h, func(tx store.Transaction) error {
		if _, err := tx.Users().Save(newUser("temp")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, countAll(t, h).users)
}

func testUncommittedWritesInvisible(t *testing.T, h Harness) {
	ctx := context.Background()
	writer, err := h.Beginner.Begin(ctx, store.ReadCommitted)
	require.NoError(t, err)
	reader, err := h.Beginner.Begin(ctx, store.ReadCommitted)
	require.NoError(t, err)
	defer func() { _ = reader.Rollback() }()

	_, err = writer.Users().Save(newUser("pending"))
	require.NoError(t, err)

	_, ok, err := reader.Users().FindByName("pending")
	require.NoError(t, err)
	assert.False(t, ok, "uncommitted user visible to another transaction")

	require.NoError(t, writer.Commit())
	assert.Equal(t, store.TxCommitted, writer.State())

	_, ok, err = reader.Users().FindByName("pending")
	require.NoError(t, err)
	assert.True(t, ok, "committed user not visible at READ_COMMITTED")
}

func testClosedTransaction(t *testing.T, h Harness) {
	var leaked store.Transaction
	do(t, h, func(tx store.Transaction) error {
		leaked = tx
		return nil
	})
	_, err := leaked.Users().Save(newUser("late"))
	assert.ErrorIs(t, err, store.ErrTransactionClosed)
	_, err = leaked.Channels().Count()
	assert.ErrorIs(t, err, store.ErrTransactionClosed)
}

func testSerializableRetry(t *testing.T, h Harness) {
	calls := 0
	err := h.Manager.Run(context.Background(), store.Serializable, func(tx store.Transaction) error {
		calls++
		if _, err := tx.Users().Save(newUser(fmt.Sprintf("attempt%d", calls))); err != nil {
			return err
		}
		if calls < 3 {
			return fmt.Errorf("simulated: %w", store.ErrSerializationConflict)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	do(t, h, func(tx store.Transaction) error {
		all, err := tx.Users().FindAll()
		if err == nil && (len(all) != 1 || all[0].Name != "attempt3") {
			err = fmt.Errorf("only the last attempt may commit, got %+v", all)
		}
		return err
	})

	calls = 0
	err = h.Manager.Run(context.Background(), store.Serializable, func(tx store.Transaction) error {
		calls++
		return store.ErrSerializationConflict
	})
	assert.ErrorIs(t, err, store.ErrSerializationConflict)
	assert.Equal(t, store.DefaultMaxAttempts, calls)
}

func testConcurrentMembership(t *testing.T, h Harness) {
	const n = 16
	names := []string{"owner"}
	for i := range n {
		names = append(names, fmt.Sprintf("member%02d", i))
	}
	users := saveUsers(t, h, names...)
	ch := saveChannel(t, h, "busy", users[0], true)

	var g errgroup.Group
	for _, u := range users[1:] {
		g.Go(func() error {
			return doErr(h, func(tx store.Transaction) error {
				return tx.Channels().AddMember(ch.ID, u.ID, domain.RoleMember)
			})
		})
	}
	require.NoError(t, g.Wait())

	do(t, h, func(tx store.Transaction) error {
		got, _, err := tx.Channels().FindByID(ch.ID)
		if err == nil && len(got.Members) != n+1 {
			err = fmt.Errorf("members = %d, want %d", len(got.Members), n+1)
		}
		return err
	})
}

func testConcurrentUniqueInsert(t *testing.T, h Harness) {
	const n = 8
	owner := saveUsers(t, h, "owner")[0]

	errs := make([]error, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			errs[i] = doErr(h, func(tx store.Transaction) error {
				_, err := tx.Channels().Save(domain.NewChannel("contested", owner, true, domain.RoleMember, epoch))
				return err
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConflict)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), countAll(t, h).channels)
}

func eventKinds(evs []events.Event, entity string) []events.Kind {
	var out []events.Kind
	for _, ev := range evs {
		if ev.Entity == entity {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func testEvents(t *testing.T, h Harness) {
	require.NotNil(t, h.Events)
	h.Events.Reset()

	users := saveUsers(t, h, "watched")
	assert.Equal(t, []events.Kind{events.Persisted}, eventKinds(h.Events.Events(), events.EntityUser))
	h.Events.Reset()

	_ = doErr(h, func(tx store.Transaction) error {
		if _, err := tx.Users().Save(newUser("discarded")); err != nil {
			return err
		}
		return errors.New("abort")
	})
	assert.Empty(t, h.Events.Events(), "rolled back work must not publish")

	do(t, h, func(tx store.Transaction) error {
		u := users[0]
		u.Email = "renamed@example.com"
		_, err := tx.Users().Save(u)
		return err
	})
	assert.Equal(t, []events.Kind{events.Updated}, eventKinds(h.Events.Events(), events.EntityUser))
	h.Events.Reset()

	saveChannel(t, h, "doomed", users[0], true)
	h.Events.Reset()
	do(t, h, func(tx store.Transaction) error { return tx.Users().DeleteByID(users[0].ID) })
	evs := h.Events.Events()
	assert.Equal(t, []events.Kind{events.Removed}, eventKinds(evs, events.EntityChannel))
	assert.Equal(t, []events.Kind{events.Removed}, eventKinds(evs, events.EntityUser))
	assert.Equal(t, fmt.Sprint(users[0].ID), evs[len(evs)-1].Key)
}
