package bot

import (
	"context"
	"errors"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Gateway is every remote call the bot's handlers make.
type Gateway interface {
	Lockdown(ctx context.Context, guildID string) error
	Unlock(ctx context.Context, guildID string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Ban(ctx context.Context, guildID, userID, reason string) error
	GrantRole(ctx context.Context, communityID, userID, roleID string) error
	SendMessage(ctx context.Context, channelID, content string) error
}

type channelSnapshot struct {
	allow   int64
	deny    int64
	hasPerm bool
}

// Moderator implements Gateway on a discordgo session. Lockdown denies
// SendMessages to @everyone on every text channel and remembers the previous
// overwrite so Unlock can restore it.
type Moderator struct {
	session *discordgo.Session
	logger  *zap.Logger

	mu        sync.Mutex
	snapshots map[string]map[string]channelSnapshot
}

func NewModerator(session *discordgo.Session, logger *zap.Logger) *Moderator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Moderator{session: session, logger: logger, snapshots: make(map[string]map[string]channelSnapshot)}
}

func (m *Moderator) Lockdown(ctx context.Context, guildID string) error {
	m.mu.Lock()
	if _, exists := m.snapshots[guildID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	channels, err := m.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}

	snapshot := make(map[string]channelSnapshot)
	var errs []error
	for _, channel := range textChannels(channels) {
		snap := everyoneOverwrite(channel, guildID)
		snapshot[channel.ID] = snap
		deny := snap.deny | discordgo.PermissionSendMessages
		if err := m.session.ChannelPermissionSet(channel.ID, guildID, discordgo.PermissionOverwriteTypeRole, snap.allow&^discordgo.PermissionSendMessages, deny, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	m.snapshots[guildID] = snapshot
	m.mu.Unlock()
	return errors.Join(errs...)
}

// Unlock restores the overwrites saved by Lockdown. Without a snapshot, as
// after a restart, it only clears the SendMessages deny bit.
func (m *Moderator) Unlock(ctx context.Context, guildID string) error {
	m.mu.Lock()
	snapshot := m.snapshots[guildID]
	delete(m.snapshots, guildID)
	m.mu.Unlock()

	if snapshot != nil {
		var errs []error
		for channelID, snap := range snapshot {
			var err error
			if snap.hasPerm {
				err = m.session.ChannelPermissionSet(channelID, guildID, discordgo.PermissionOverwriteTypeRole, snap.allow, snap.deny, discordgo.WithContext(ctx))
			} else {
				err = m.session.ChannelPermissionDelete(channelID, guildID, discordgo.WithContext(ctx))
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	channels, err := m.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	var errs []error
	for _, channel := range textChannels(channels) {
		snap := everyoneOverwrite(channel, guildID)
		if !snap.hasPerm || snap.deny&discordgo.PermissionSendMessages == 0 {
			continue
		}
		if err := m.session.ChannelPermissionSet(channel.ID, guildID, discordgo.PermissionOverwriteTypeRole, snap.allow, snap.deny&^discordgo.PermissionSendMessages, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Moderator) Kick(ctx context.Context, guildID, userID, reason string) error {
	return m.session.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx))
}

func (m *Moderator) Ban(ctx context.Context, guildID, userID, reason string) error {
	return m.session.GuildBanCreateWithReason(guildID, userID, reason, 0, discordgo.WithContext(ctx))
}

func (m *Moderator) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	return m.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func (m *Moderator) SendMessage(ctx context.Context, channelID, content string) error {
	_, err := m.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

func textChannels(channels []*discordgo.Channel) []*discordgo.Channel {
	out := make([]*discordgo.Channel, 0, len(channels))
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		if channel.Type != discordgo.ChannelTypeGuildText && channel.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		out = append(out, channel)
	}
	return out
}

func everyoneOverwrite(channel *discordgo.Channel, guildID string) channelSnapshot {
	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite.Type == discordgo.PermissionOverwriteTypeRole && overwrite.ID == guildID {
			return channelSnapshot{allow: overwrite.Allow, deny: overwrite.Deny, hasPerm: true}
		}
	}
	return channelSnapshot{}
}
