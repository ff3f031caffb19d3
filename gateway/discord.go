package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord implements Gateway on top of a discordgo session.
type Discord struct {
	s *discordgo.Session
}

// NewDiscord wraps an already-configured session. The session should be opened
// by the caller; the wrapper only issues REST calls and reads session state.
func NewDiscord(s *discordgo.Session) *Discord {
	return &Discord{s: s}
}

// Session exposes the underlying session for event handler registration.
func (d *Discord) Session() *discordgo.Session { return d.s }

func (d *Discord) BotUserID() string {
	if d.s.State != nil && d.s.State.User != nil {
		return d.s.State.User.ID
	}
	return ""
}

// mapErr translates discordgo REST errors into the gateway sentinel errors so
// workflows can branch with errors.Is instead of inspecting HTTP responses.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (d *Discord) SendMessage(ctx context.Context, channelID, content string) (*Message, error) {
	msg, err := d.s.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	return &Message{ID: msg.ID, ChannelID: msg.ChannelID, Content: msg.Content}, nil
}

func (d *Discord) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	_, err := d.s.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return mapErr(d.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

func (d *Discord) SendDirect(ctx context.Context, userID, content string) (*Message, error) {
	ch, err := d.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	return d.SendMessage(ctx, ch.ID, content)
}

func (d *Discord) React(ctx context.Context, channelID, messageID, emoji string) error {
	return mapErr(d.s.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)))
}

func (d *Discord) PinMessage(ctx context.Context, channelID, messageID string) error {
	return mapErr(d.s.ChannelMessagePin(channelID, messageID, discordgo.WithContext(ctx)))
}

func (d *Discord) UnpinMessage(ctx context.Context, channelID, messageID string) error {
	return mapErr(d.s.ChannelMessageUnpin(channelID, messageID, discordgo.WithContext(ctx)))
}

func (d *Discord) PinnedMessages(ctx context.Context, channelID string) ([]Message, error) {
	msgs, err := d.s.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, ChannelID: m.ChannelID, Content: m.Content})
	}
	return out, nil
}

func (d *Discord) FindTextChannel(ctx context.Context, communityID, name string) (string, error) {
	chans, err := d.s.GuildChannels(communityID, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	for _, ch := range chans {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("%w: channel %q", ErrNotFound, name)
}

func (d *Discord) CreateRestrictedChannel(ctx context.Context, communityID, name string, viewers []Grant) (string, error) {
	overwrites := []*discordgo.PermissionOverwrite{
		{
			// @everyone shares its id with the guild
			ID:   communityID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
	}
	for _, v := range viewers {
		typ := discordgo.PermissionOverwriteTypeMember
		if v.Role {
			typ = discordgo.PermissionOverwriteTypeRole
		}
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    v.ID,
			Type:  typ,
			Allow: discordgo.PermissionViewChannel,
		})
	}
	ch, err := d.s.GuildChannelCreateComplex(communityID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildText,
		PermissionOverwrites: overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	return ch.ID, nil
}

func (d *Discord) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := d.s.ChannelDelete(channelID, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) ChannelName(ctx context.Context, channelID string) (string, error) {
	if ch, err := d.s.State.Channel(channelID); err == nil {
		return ch.Name, nil
	}
	ch, err := d.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	return ch.Name, nil
}

func (d *Discord) TimeoutMember(ctx context.Context, communityID, userID string, until time.Time, reason string) error {
	slog.Debug("timeout member", slog.String("community", communityID), slog.String("user", userID), slog.Time("until", until), slog.String("reason", reason))
	return mapErr(d.s.GuildMemberTimeout(communityID, userID, &until, discordgo.WithContext(ctx)))
}

func (d *Discord) ClearTimeout(ctx context.Context, communityID, userID, reason string) error {
	slog.Debug("clear timeout", slog.String("community", communityID), slog.String("user", userID), slog.String("reason", reason))
	return mapErr(d.s.GuildMemberTimeout(communityID, userID, nil, discordgo.WithContext(ctx)))
}

func (d *Discord) KickMember(ctx context.Context, communityID, userID, reason string) error {
	return mapErr(d.s.GuildMemberDeleteWithReason(communityID, userID, reason, discordgo.WithContext(ctx)))
}

func (d *Discord) BanMember(ctx context.Context, communityID, userID, reason string) error {
	// delete no message history; moderation history stays visible for review
	return mapErr(d.s.GuildBanCreateWithReason(communityID, userID, reason, 0, discordgo.WithContext(ctx)))
}

func (d *Discord) AddRole(ctx context.Context, communityID, userID, roleID string) error {
	return mapErr(d.s.GuildMemberRoleAdd(communityID, userID, roleID, discordgo.WithContext(ctx)))
}

func (d *Discord) RemoveRole(ctx context.Context, communityID, userID, roleID string) error {
	return mapErr(d.s.GuildMemberRoleRemove(communityID, userID, roleID, discordgo.WithContext(ctx)))
}

func (d *Discord) memberPermissions(ctx context.Context, communityID, userID string) (int64, error) {
	guild, err := d.s.State.Guild(communityID)
	if err != nil {
		guild, err = d.s.Guild(communityID, discordgo.WithContext(ctx))
		if err != nil {
			return 0, mapErr(err)
		}
	}
	if guild.OwnerID == userID {
		return discordgo.PermissionAdministrator, nil
	}
	member, err := d.s.State.Member(communityID, userID)
	if err != nil {
		member, err = d.s.GuildMember(communityID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return 0, mapErr(err)
		}
	}
	var perms int64
	for _, role := range guild.Roles {
		if role.ID == communityID {
			perms |= role.Permissions // @everyone baseline
			continue
		}
		for _, rid := range member.Roles {
			if role.ID == rid {
				perms |= role.Permissions
				break
			}
		}
	}
	return perms, nil
}

func (d *Discord) HasBanAuthority(ctx context.Context, communityID, userID string) (bool, error) {
	perms, err := d.memberPermissions(ctx, communityID, userID)
	if err != nil {
		return false, err
	}
	return perms&discordgo.PermissionAdministrator != 0 || perms&discordgo.PermissionBanMembers != 0, nil
}

func (d *Discord) IsAdmin(ctx context.Context, communityID, userID string) (bool, error) {
	perms, err := d.memberPermissions(ctx, communityID, userID)
	if err != nil {
		return false, err
	}
	return perms&discordgo.PermissionAdministrator != 0, nil
}
