// Package gateway abstracts the chat platform behind a narrow interface so the
// moderation workflows can be exercised without a live connection. All methods
// are fallible remote calls; permission and lookup failures surface as the
// sentinel errors below rather than platform-specific exception types.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrForbidden indicates the bot lacks permission for the operation
	// (usually a role-hierarchy or channel-permission problem).
	ErrForbidden = errors.New("gateway: forbidden")
	// ErrNotFound indicates the target channel, message, or member no longer exists.
	ErrNotFound = errors.New("gateway: not found")
	// ErrRateLimited indicates the platform rejected the call due to rate limiting.
	ErrRateLimited = errors.New("gateway: rate limited")
)

// Message is the subset of a platform message the engine cares about.
type Message struct {
	ID        string
	ChannelID string
	Content   string
}

// Grant names an identity that may view a restricted room.
type Grant struct {
	ID   string
	Role bool // role grant when true, member grant otherwise
}

// Gateway is the set of platform operations the moderation engine depends on.
type Gateway interface {
	// Messaging
	SendMessage(ctx context.Context, channelID, content string) (*Message, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	SendDirect(ctx context.Context, userID, content string) (*Message, error)
	React(ctx context.Context, channelID, messageID, emoji string) error

	// Pinned records
	PinMessage(ctx context.Context, channelID, messageID string) error
	UnpinMessage(ctx context.Context, channelID, messageID string) error
	PinnedMessages(ctx context.Context, channelID string) ([]Message, error)

	// Rooms
	FindTextChannel(ctx context.Context, communityID, name string) (string, error)
	CreateRestrictedChannel(ctx context.Context, communityID, name string, viewers []Grant) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	ChannelName(ctx context.Context, channelID string) (string, error)

	// Member actions
	TimeoutMember(ctx context.Context, communityID, userID string, until time.Time, reason string) error
	ClearTimeout(ctx context.Context, communityID, userID, reason string) error
	KickMember(ctx context.Context, communityID, userID, reason string) error
	BanMember(ctx context.Context, communityID, userID, reason string) error
	AddRole(ctx context.Context, communityID, userID, roleID string) error
	RemoveRole(ctx context.Context, communityID, userID, roleID string) error

	// Authority
	HasBanAuthority(ctx context.Context, communityID, userID string) (bool, error)
	IsAdmin(ctx context.Context, communityID, userID string) (bool, error)

	// BotUserID returns the bot's own identity on the platform.
	BotUserID() string
}
