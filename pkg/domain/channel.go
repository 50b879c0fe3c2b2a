package domain

import (
	"cmp"
	"slices"
	"time"
)

type ChannelRole string

const (
	RoleOwner  ChannelRole = "OWNER"
	RoleMember ChannelRole = "MEMBER"
	RoleGuest  ChannelRole = "GUEST"
)

func (r ChannelRole) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleMember:
		return 2
	case RoleGuest:
		return 1
	default:
		return 0
	}
}

func (r ChannelRole) Valid() bool {
	return r.rank() > 0
}

// AtLeast reports whether r grants every privilege of other.
func (r ChannelRole) AtLeast(other ChannelRole) bool {
	return r.rank() >= other.rank()
}

type Member struct {
	User User        `json:"user"`
	Role ChannelRole `json:"role"`
}

// Channel is the membership aggregate. Members is kept sorted by user id and
// is never mutated in place: every With* method returns a fresh copy.
type Channel struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Owner       User        `json:"owner"`
	IsPublic    bool        `json:"isPublic"`
	DefaultRole ChannelRole `json:"defaultRole"`
	CreatedAt   time.Time   `json:"createdAt"`
	Members     []Member    `json:"members"`
}

func NewChannel(name string, owner User, isPublic bool, defaultRole ChannelRole, now time.Time) Channel {
	return Channel{
		Name:        name,
		Owner:       owner,
		IsPublic:    isPublic,
		DefaultRole: defaultRole,
		CreatedAt:   now,
		Members:     []Member{{User: owner, Role: RoleOwner}},
	}
}

func (c Channel) Member(userID int64) (Member, bool) {
	i, ok := c.memberIndex(userID)
	if !ok {
		return Member{}, false
	}
	return c.Members[i], true
}

func (c Channel) IsMember(userID int64) bool {
	_, ok := c.memberIndex(userID)
	return ok
}

// WithMember adds user with role, or changes the role of an existing member.
func (c Channel) WithMember(user User, role ChannelRole) Channel {
	members := slices.Clone(c.Members)
	if i, ok := c.memberIndex(user.ID); ok {
		members[i] = Member{User: user, Role: role}
	} else {
		members = slices.Insert(members, i, Member{User: user, Role: role})
	}
	c.Members = members
	return c
}

func (c Channel) WithoutMember(userID int64) Channel {
	i, ok := c.memberIndex(userID)
	if !ok {
		return c
	}
	c.Members = slices.Delete(slices.Clone(c.Members), i, i+1)
	return c
}

// Normalized returns c with members sorted by user id, the owner present
// with the OWNER role and MEMBER as the default role when none is set.
func (c Channel) Normalized() Channel {
	if c.DefaultRole == "" {
		c.DefaultRole = RoleMember
	}
	members := slices.Clone(c.Members)
	slices.SortFunc(members, func(a, b Member) int {
		return cmp.Compare(a.User.ID, b.User.ID)
	})
	members = slices.CompactFunc(members, func(a, b Member) bool {
		return a.User.ID == b.User.ID
	})
	c.Members = members
	return c.WithMember(c.Owner, RoleOwner)
}

func (c Channel) memberIndex(userID int64) (int, bool) {
	return slices.BinarySearchFunc(c.Members, userID, func(m Member, id int64) int {
		return cmp.Compare(m.User.ID, id)
	})
}
