package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestChannelRoleOrdering(t *testing.T) {
	if !RoleOwner.AtLeast(RoleMember) || !RoleMember.AtLeast(RoleGuest) || !RoleGuest.AtLeast(RoleGuest) {
		t.Fatalf("expected OWNER >= MEMBER >= GUEST")
	}
	if RoleGuest.AtLeast(RoleMember) {
		t.Fatalf("GUEST must not satisfy MEMBER")
	}
	if ChannelRole("ADMIN").Valid() {
		t.Fatalf("unknown role reported valid")
	}
}

func TestChannelMembershipIsCopyOnWrite(t *testing.T) {
	owner := User{ID: 5, Name: "owner"}
	ch := NewChannel("general", owner, true, RoleMember, now)

	withBob := ch.WithMember(User{ID: 2, Name: "bob"}, RoleGuest)
	if len(ch.Members) != 1 {
		t.Fatalf("original channel changed: %+v", ch.Members)
	}
	if len(withBob.Members) != 2 || withBob.Members[0].User.ID != 2 {
		t.Fatalf("expected members sorted by id, got %+v", withBob.Members)
	}

	promoted := withBob.WithMember(User{ID: 2, Name: "bob"}, RoleMember)
	if m, ok := promoted.Member(2); !ok || m.Role != RoleMember {
		t.Fatalf("expected bob promoted, got %+v %v", m, ok)
	}
	if m, _ := withBob.Member(2); m.Role != RoleGuest {
		t.Fatalf("previous snapshot changed: %+v", m)
	}

	removed := promoted.WithoutMember(2)
	if removed.IsMember(2) || !promoted.IsMember(2) {
		t.Fatalf("WithoutMember must not touch the receiver")
	}
	if same := removed.WithoutMember(99); len(same.Members) != 1 {
		t.Fatalf("removing a non-member changed members: %+v", same.Members)
	}
}

func TestChannelNormalized(t *testing.T) {
	owner := User{ID: 1, Name: "owner"}
	ch := Channel{
		Name:  "raw",
		Owner: owner,
		Members: []Member{
			{User: User{ID: 3}, Role: RoleGuest},
			{User: owner, Role: RoleGuest},
			{User: User{ID: 3}, Role: RoleGuest},
		},
	}.Normalized()

	if ch.DefaultRole != RoleMember {
		t.Fatalf("default role = %q, want MEMBER", ch.DefaultRole)
	}
	if len(ch.Members) != 2 {
		t.Fatalf("expected duplicates removed, got %+v", ch.Members)
	}
	if m, _ := ch.Member(owner.ID); m.Role != RoleOwner {
		t.Fatalf("owner role = %q, want OWNER", m.Role)
	}
}

func TestValidateContent(t *testing.T) {
	cases := []struct {
		content string
		err     error
	}{
		{"hello", nil},
		{strings.Repeat("é", MaxMessageLength), nil},
		{"", ErrBlankContent},
		{" \t\n", ErrBlankContent},
		{strings.Repeat("a", MaxMessageLength+1), ErrContentTooLong},
	}
	for _, tc := range cases {
		if err := ValidateContent(tc.content); !errors.Is(err, tc.err) {
			t.Fatalf("ValidateContent(%d runes) = %v, want %v", len([]rune(tc.content)), err, tc.err)
		}
	}
}

func TestMessageEdit(t *testing.T) {
	msg, err := NewMessage(Channel{ID: 1}, User{ID: 1}, "first", now)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	later := now.Add(time.Minute)
	edited, err := msg.Edit("second", later)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if msg.EditedAt != nil || msg.Content != "first" {
		t.Fatalf("original message changed: %+v", msg)
	}
	if edited.EditedAt == nil || !edited.EditedAt.Equal(later) || edited.Content != "second" {
		t.Fatalf("unexpected edit result: %+v", edited)
	}
	if _, err := msg.Edit(" ", later); !errors.Is(err, ErrBlankContent) {
		t.Fatalf("expected ErrBlankContent, got %v", err)
	}
}

func TestInvitationTransitions(t *testing.T) {
	inv := ChannelInvitation{Status: InvitationPending, ExpiresAt: now}
	if inv.Accept().Status != InvitationAccepted || inv.Reject().Status != InvitationRejected {
		t.Fatalf("unexpected transitions")
	}
	if inv.Status != InvitationPending {
		t.Fatalf("receiver changed")
	}
	if !inv.Expired(now.Add(time.Second)) || inv.Expired(now) {
		t.Fatalf("expiry must be strict")
	}

	im := NewImInvitation(time.Hour, now)
	if im.Status != ImInvitationPending || im.Token.String() == "" {
		t.Fatalf("unexpected new invitation %+v", im)
	}
	if used := im.Use(); used.Status != ImInvitationUsed || used.Token != im.Token {
		t.Fatalf("unexpected used invitation %+v", used)
	}
	if im.Expired(now) || !im.Expired(now.Add(2*time.Hour)) {
		t.Fatalf("unexpected expiry for %+v", im)
	}
}
