// Package testutil provides in-process fakes for the chat platform so
// workflow and persistence tests run without a live connection.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/modwarden/gateway"
)

// FakeChannel is one simulated text channel.
type FakeChannel struct {
	ID          string
	CommunityID string
	Name        string
	Messages    map[string]*gateway.Message
	Pins        []string
	Restricted  bool
	Viewers     []gateway.Grant
}

// MemberAction records a timeout/kick/ban issued through the fake.
type MemberAction struct {
	CommunityID string
	UserID      string
	Reason      string
	Until       time.Time
}

// RoleChange records a role add/remove.
type RoleChange struct {
	CommunityID string
	UserID      string
	RoleID      string
}

// FakeGateway implements gateway.Gateway in memory. Zero value is not usable;
// construct with NewFakeGateway.
type FakeGateway struct {
	mu     sync.Mutex
	nextID int

	BotID           string
	Channels        map[string]*FakeChannel
	DMs             map[string][]gateway.Message
	Reactions       map[string][]string // channelID/messageID -> emojis
	Deleted         []string            // channelID/messageID
	Timeouts        []MemberAction
	TimeoutsCleared []MemberAction
	Kicks           []MemberAction
	Bans            []MemberAction
	RolesAdded      []RoleChange
	RolesRemoved    []RoleChange
	BanAuthority    map[string]bool
	Admins          map[string]bool

	// Error injection: when set, the named operation fails with the error.
	FailSend          error
	FailEdit          error
	FailPin           error
	FailPins          error
	FailCreateChannel error
	FailDirect        error
	FailTimeout       error
	FailBan           error
	FailDelete        error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		BotID:        "bot-self",
		Channels:     make(map[string]*FakeChannel),
		DMs:          make(map[string][]gateway.Message),
		Reactions:    make(map[string][]string),
		BanAuthority: make(map[string]bool),
		Admins:       make(map[string]bool),
	}
}

func (f *FakeGateway) id(prefix string) string {
	f.nextID++
	return prefix + "-" + strconv.Itoa(f.nextID)
}

// AddChannel seeds a channel and returns its id.
func (f *FakeGateway) AddChannel(communityID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("chan")
	f.Channels[id] = &FakeChannel{
		ID:          id,
		CommunityID: communityID,
		Name:        name,
		Messages:    make(map[string]*gateway.Message),
	}
	return id
}

// PinnedBody returns the content of the pinned message in a channel whose
// content starts with prefix, or "".
func (f *FakeGateway) PinnedBody(channelID, prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.Channels[channelID]
	if !ok {
		return ""
	}
	for _, pid := range ch.Pins {
		if m, ok := ch.Messages[pid]; ok && len(m.Content) >= len(prefix) && m.Content[:len(prefix)] == prefix {
			return m.Content
		}
	}
	return ""
}

// DirectCount returns how many DMs a user has received.
func (f *FakeGateway) DirectCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.DMs[userID])
}

func (f *FakeGateway) BotUserID() string { return f.BotID }

func (f *FakeGateway) SendMessage(ctx context.Context, channelID, content string) (*gateway.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend != nil {
		return nil, f.FailSend
	}
	ch, ok := f.Channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", gateway.ErrNotFound, channelID)
	}
	msg := &gateway.Message{ID: f.id("msg"), ChannelID: channelID, Content: content}
	ch.Messages[msg.ID] = msg
	return &gateway.Message{ID: msg.ID, ChannelID: msg.ChannelID, Content: msg.Content}, nil
}

func (f *FakeGateway) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailEdit != nil {
		return f.FailEdit
	}
	ch, ok := f.Channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", gateway.ErrNotFound, channelID)
	}
	msg, ok := ch.Messages[messageID]
	if !ok {
		return fmt.Errorf("%w: message %s", gateway.ErrNotFound, messageID)
	}
	msg.Content = content
	return nil
}

func (f *FakeGateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDelete != nil {
		return f.FailDelete
	}
	ch, ok := f.Channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", gateway.ErrNotFound, channelID)
	}
	if _, ok := ch.Messages[messageID]; !ok {
		return fmt.Errorf("%w: message %s", gateway.ErrNotFound, messageID)
	}
	delete(ch.Messages, messageID)
	f.Deleted = append(f.Deleted, channelID+"/"+messageID)
	return nil
}

// RemovePinned deletes a pinned message out from under the store, simulating
// an external moderator cleaning the memory channel.
func (f *FakeGateway) RemovePinned(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.Channels[channelID]
	if !ok {
		return
	}
	for _, pid := range ch.Pins {
		delete(ch.Messages, pid)
	}
	ch.Pins = nil
}

func (f *FakeGateway) SendDirect(ctx context.Context, userID, content string) (*gateway.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDirect != nil {
		return nil, f.FailDirect
	}
	msg := gateway.Message{ID: f.id("dm"), ChannelID: "dm-" + userID, Content: content}
	f.DMs[userID] = append(f.DMs[userID], msg)
	return &msg, nil
}

func (f *FakeGateway) React(ctx context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channelID + "/" + messageID
	f.Reactions[key] = append(f.Reactions[key], emoji)
	return nil
}

func (f *FakeGateway) PinMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPin != nil {
		return f.FailPin
	}
	ch, ok := f.Channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", gateway.ErrNotFound, channelID)
	}
	ch.Pins = append(ch.Pins, messageID)
	return nil
}

func (f *FakeGateway) UnpinMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.Channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", gateway.ErrNotFound, channelID)
	}
	out := ch.Pins[:0]
	for _, pid := range ch.Pins {
		if pid != messageID {
			out = append(out, pid)
		}
	}
	ch.Pins = out
	return nil
}

func (f *FakeGateway) PinnedMessages(ctx context.Context, channelID string) ([]gateway.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPins != nil {
		return nil, f.FailPins
	}
	ch, ok := f.Channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", gateway.ErrNotFound, channelID)
	}
	var out []gateway.Message
	for _, pid := range ch.Pins {
		if m, ok := ch.Messages[pid]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *FakeGateway) FindTextChannel(ctx context.Context, communityID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.Channels {
		if ch.CommunityID == communityID && ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("%w: channel %q", gateway.ErrNotFound, name)
}

func (f *FakeGateway) CreateRestrictedChannel(ctx context.Context, communityID, name string, viewers []gateway.Grant) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreateChannel != nil {
		return "", f.FailCreateChannel
	}
	id := f.id("chan")
	f.Channels[id] = &FakeChannel{
		ID:          id,
		CommunityID: communityID,
		Name:        name,
		Messages:    make(map[string]*gateway.Message),
		Restricted:  true,
		Viewers:     viewers,
	}
	return id, nil
}

func (f *FakeGateway) DeleteChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Channels[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", gateway.ErrNotFound, channelID)
	}
	delete(f.Channels, channelID)
	return nil
}

func (f *FakeGateway) ChannelName(ctx context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.Channels[channelID]
	if !ok {
		return "", fmt.Errorf("%w: channel %s", gateway.ErrNotFound, channelID)
	}
	return ch.Name, nil
}

func (f *FakeGateway) TimeoutMember(ctx context.Context, communityID, userID string, until time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailTimeout != nil {
		return f.FailTimeout
	}
	f.Timeouts = append(f.Timeouts, MemberAction{CommunityID: communityID, UserID: userID, Reason: reason, Until: until})
	return nil
}

func (f *FakeGateway) ClearTimeout(ctx context.Context, communityID, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TimeoutsCleared = append(f.TimeoutsCleared, MemberAction{CommunityID: communityID, UserID: userID, Reason: reason})
	return nil
}

func (f *FakeGateway) KickMember(ctx context.Context, communityID, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Kicks = append(f.Kicks, MemberAction{CommunityID: communityID, UserID: userID, Reason: reason})
	return nil
}

func (f *FakeGateway) BanMember(ctx context.Context, communityID, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailBan != nil {
		return f.FailBan
	}
	f.Bans = append(f.Bans, MemberAction{CommunityID: communityID, UserID: userID, Reason: reason})
	return nil
}

func (f *FakeGateway) AddRole(ctx context.Context, communityID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RolesAdded = append(f.RolesAdded, RoleChange{CommunityID: communityID, UserID: userID, RoleID: roleID})
	return nil
}

func (f *FakeGateway) RemoveRole(ctx context.Context, communityID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RolesRemoved = append(f.RolesRemoved, RoleChange{CommunityID: communityID, UserID: userID, RoleID: roleID})
	return nil
}

func (f *FakeGateway) HasBanAuthority(ctx context.Context, communityID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BanAuthority[userID], nil
}

func (f *FakeGateway) IsAdmin(ctx context.Context, communityID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Admins[userID], nil
}
