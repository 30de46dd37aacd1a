package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/leveling"
	"github.com/glutchdiscord-alt/goofguard/internal/modules/audit"
	"github.com/glutchdiscord-alt/goofguard/internal/onboarding"
	"github.com/glutchdiscord-alt/goofguard/internal/raid"
	"github.com/glutchdiscord-alt/goofguard/internal/verification"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	leaderboardDefault = 10
	leaderboardMax     = 25
)

func (b *Bot) registerCommands() error {
	commands := []Command{
		{
			Name:        "verify",
			Description: "Submit your verification code",
			Options:     []*discordgo.ApplicationCommandOption{stringOption("code", "The code you received by DM", true)},
			Handler:     b.cmdVerify,
		},
		{
			Name:        "verify-issue",
			Description: "Send a verification challenge to a member",
			Permission:  discordgo.PermissionManageRoles,
			GuildOnly:   true,
			Options: []*discordgo.ApplicationCommandOption{
				userOption("user", "Member to challenge", true),
				difficultyOption(),
			},
			Handler: b.cmdVerifyIssue,
		},
		{
			Name:        "verify-resend",
			Description: "Send a member's current code again",
			Permission:  discordgo.PermissionManageRoles,
			GuildOnly:   true,
			Options:     []*discordgo.ApplicationCommandOption{userOption("user", "Member with a pending challenge", true)},
			Handler:     b.cmdVerifyResend,
		},
		{
			Name:        "verify-clear",
			Description: "Drop a member's pending challenge",
			Permission:  discordgo.PermissionManageRoles,
			GuildOnly:   true,
			Options:     []*discordgo.ApplicationCommandOption{userOption("user", "Member to clear", true)},
			Handler:     b.cmdVerifyClear,
		},
		{
			Name:        "verify-status",
			Description: "List pending challenges",
			Permission:  discordgo.PermissionManageRoles,
			GuildOnly:   true,
			Handler:     b.cmdVerifyStatus,
		},
		{
			Name:        "verify-setup",
			Description: "Configure join verification",
			Permission:  discordgo.PermissionManageGuild,
			GuildOnly:   true,
			Options: []*discordgo.ApplicationCommandOption{
				boolOption("enabled", "Challenge new members"),
				roleOption("role", "Role granted on success", false),
				difficultyOption(),
				intOption("max_attempts", "Wrong answers allowed", 1, 10),
				channelOption("log_channel", "Where verification events are posted"),
			},
			Handler: b.cmdVerifySetup,
		},
		{
			Name:        "rank",
			Description: "Show a member's level",
			GuildOnly:   true,
			Options:     []*discordgo.ApplicationCommandOption{userOption("user", "Member to look up", false)},
			Handler:     b.cmdRank,
		},
		{
			Name:        "leaderboard",
			Description: "Show the most active members",
			GuildOnly:   true,
			Options:     []*discordgo.ApplicationCommandOption{intOption("top", "How many to show", 1, leaderboardMax)},
			Handler:     b.cmdLeaderboard,
		},
		{
			Name:        "leveling-setup",
			Description: "Configure leveling",
			Permission:  discordgo.PermissionManageGuild,
			GuildOnly:   true,
			Options: []*discordgo.ApplicationCommandOption{
				boolOption("enabled", "Award experience for messages"),
				channelOption("channel", "Where level ups are announced"),
			},
			Handler: b.cmdLevelingSetup,
		},
		{
			Name:        "raid-setup",
			Description: "Configure raid protection",
			Permission:  discordgo.PermissionManageGuild,
			GuildOnly:   true,
			Options: []*discordgo.ApplicationCommandOption{
				boolOption("enabled", "Watch joins for raids"),
				intOption("joins", "Joins that trigger protection", 2, 100),
				intOption("window", "Window in seconds", 5, 600),
				actionOption(),
				channelOption("alert_channel", "Where raid alerts are posted"),
			},
			Handler: b.cmdRaidSetup,
		},
		{
			Name:        "raid-status",
			Description: "Show raid protection status",
			Permission:  discordgo.PermissionManageGuild,
			GuildOnly:   true,
			Handler:     b.cmdRaidStatus,
		},
		{
			Name:        "lift-lockdown",
			Description: "End raid protection and restore channels",
			Permission:  discordgo.PermissionManageGuild,
			GuildOnly:   true,
			Handler:     b.cmdLiftLockdown,
		},
		{
			Name:        "welcome-setup",
			Description: "Configure welcome messages",
			Permission:  discordgo.PermissionManageGuild,
			GuildOnly:   true,
			Options: []*discordgo.ApplicationCommandOption{
				channelOption("channel", "Where new members are welcomed"),
				boolOption("enabled", "Post welcome messages"),
				stringOption("message", "Template using {user}, {username} and {server}", false),
			},
			Handler: b.cmdWelcomeSetup,
		},
		{
			Name:        "autorole-add",
			Description: "Grant a role to new members",
			Permission:  discordgo.PermissionManageRoles,
			GuildOnly:   true,
			Options:     []*discordgo.ApplicationCommandOption{roleOption("role", "Role to grant", true)},
			Handler:     b.cmdAutoroleAdd,
		},
		{
			Name:        "autorole-remove",
			Description: "Stop granting a role to new members",
			Permission:  discordgo.PermissionManageRoles,
			GuildOnly:   true,
			Options:     []*discordgo.ApplicationCommandOption{roleOption("role", "Role to stop granting", true)},
			Handler:     b.cmdAutoroleRemove,
		},
		{
			Name:        "backup-now",
			Description: "Flush state and write a backup archive",
			Permission:  discordgo.PermissionAdministrator,
			Handler:     b.cmdBackupNow,
		},
	}
	for _, cmd := range commands {
		if err := b.registry.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) cmdVerify(ctx context.Context, inv *Invocation) Response {
	if b.deps.Verification == nil {
		return unavailable()
	}
	code := inv.String("code")
	var (
		result verification.Result
		err    error
	)
	if inv.GuildID != "" {
		result, err = b.deps.Verification.AttemptIn(ctx, inv.GuildID, inv.UserID, code)
	} else {
		result, err = b.deps.Verification.Attempt(ctx, inv.UserID, code)
	}

	return ephemeral(b.verificationReply(ctx, inv.UserID, result, err))
}

func (b *Bot) cmdVerifyIssue(ctx context.Context, inv *Invocation) Response {
	if b.deps.Verification == nil {
		return unavailable()
	}
	userID := inv.String("user")
	difficulty, _ := verification.ParseDifficulty(inv.String("difficulty"))
	pending, err := b.deps.Verification.Issue(ctx, inv.GuildID, userID, inv.UserID, difficulty)
	switch {
	case errors.Is(err, verification.ErrDeliveryFailed):
		b.audit(ctx, audit.LevelWarn, inv.GuildID, userID, "verification_delivery_failed", errString(err))
		return ephemeral(fmt.Sprintf("Challenge created for <@%s> but the DM failed. Use /verify-resend once their DMs are open.", userID))
	case err != nil:
		b.logger.Warn("verification issue failed", zap.String("guild_id", inv.GuildID), zap.Error(err))
		return failed()
	}
	b.audit(ctx, audit.LevelInfo, inv.GuildID, userID, "verification_issued", "by="+inv.UserID)
	return ephemeral(fmt.Sprintf("Challenge sent to <@%s>. %d attempt(s), expires %s.", userID, pending.MaxAttempts, relativeTime(pending.ExpiresAt)))
}

func (b *Bot) cmdVerifyResend(ctx context.Context, inv *Invocation) Response {
	if b.deps.Verification == nil {
		return unavailable()
	}
	userID := inv.String("user")
	_, err := b.deps.Verification.Resend(ctx, inv.GuildID, userID)
	switch {
	case errors.Is(err, verification.ErrNoPending):
		return ephemeral(fmt.Sprintf("<@%s> has no pending challenge.", userID))
	case err != nil:
		return ephemeral(fmt.Sprintf("The DM to <@%s> failed again.", userID))
	}
	return ephemeral(fmt.Sprintf("Code sent to <@%s> again.", userID))
}

func (b *Bot) cmdVerifyClear(ctx context.Context, inv *Invocation) Response {
	if b.deps.Verification == nil {
		return unavailable()
	}
	userID := inv.String("user")
	if !b.deps.Verification.Clear(ctx, inv.GuildID, userID) {
		return ephemeral(fmt.Sprintf("<@%s> has no pending challenge.", userID))
	}
	b.audit(ctx, audit.LevelInfo, inv.GuildID, userID, "verification_cleared", "by="+inv.UserID)
	return ephemeral(fmt.Sprintf("Cleared the challenge for <@%s>.", userID))
}

func (b *Bot) cmdVerifyStatus(ctx context.Context, inv *Invocation) Response {
	if b.deps.Verification == nil {
		return unavailable()
	}
	settings := b.deps.Verification.Settings(inv.GuildID)
	pending := b.deps.Verification.Status(inv.GuildID)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Verification is **%s**, difficulty %s, %d attempt(s).\n", onOff(settings.Enabled), settings.Difficulty, settings.MaxAttempts)
	if len(pending) == 0 {
		sb.WriteString("No pending challenges.")
		return ephemeral(sb.String())
	}
	fmt.Fprintf(&sb, "%d pending:\n", len(pending))
	for _, p := range pending {
		delivered := ""
		if !p.Delivered {
			delivered = " (not delivered)"
		}
		fmt.Fprintf(&sb, "- <@%s>: %d/%d used, expires %s%s\n", p.UserID, p.AttemptsUsed, p.MaxAttempts, relativeTime(p.ExpiresAt), delivered)
	}
	return ephemeral(sb.String())
}

func (b *Bot) cmdVerifySetup(ctx context.Context, inv *Invocation) Response {
	if b.deps.Verification == nil {
		return unavailable()
	}
	difficulty, hasDifficulty := verification.ParseDifficulty(inv.String("difficulty"))
	_, err := b.deps.Verification.UpdateSettings(ctx, inv.GuildID, func(s *verification.Settings) {
		if enabled, ok := inv.Bool("enabled"); ok {
			s.Enabled = enabled
		}
		if role := inv.String("role"); role != "" {
			s.RoleID = role
		}
		if hasDifficulty {
			s.Difficulty = difficulty
		}
		if attempts, ok := inv.Int("max_attempts"); ok && attempts > 0 {
			s.MaxAttempts = attempts
		}
		if channel := inv.String("log_channel"); channel != "" {
			s.LogChannelID = channel
		}
	})
	if err != nil {
		b.logger.Warn("verification settings save failed", zap.String("guild_id", inv.GuildID), zap.Error(err))
		return failed()
	}
	settings := b.deps.Verification.Settings(inv.GuildID)
	return ephemeral(fmt.Sprintf("Verification %s. Role: %s. Difficulty: %s. Attempts: %d. Log: %s.",
		onOff(settings.Enabled), mentionRole(settings.RoleID), settings.Difficulty, settings.MaxAttempts, mentionChannel(settings.LogChannelID)))
}

func (b *Bot) cmdRank(ctx context.Context, inv *Invocation) Response {
	if b.deps.Leveling == nil {
		return unavailable()
	}
	userID := inv.String("user")
	if userID == "" {
		userID = inv.UserID
	}
	record := b.deps.Leveling.Get(inv.GuildID, userID)
	rank := b.deps.Leveling.Rank(inv.GuildID, userID)
	next := leveling.XPRequired(record.Level + 1)
	if rank == 0 {
		return Response{Content: fmt.Sprintf("<@%s> has no experience yet.", userID)}
	}
	return Response{Content: fmt.Sprintf("<@%s> is level %d with %d XP (%d to next level). Rank #%d, %d messages.",
		userID, record.Level, record.XP, next-record.XP, rank, record.MessageCount)}
}

func (b *Bot) cmdLeaderboard(ctx context.Context, inv *Invocation) Response {
	if b.deps.Leveling == nil {
		return unavailable()
	}
	top, ok := inv.Int("top")
	if !ok || top <= 0 {
		top = leaderboardDefault
	}
	if top > leaderboardMax {
		top = leaderboardMax
	}
	records := b.deps.Leveling.Leaderboard(inv.GuildID, top)
	if len(records) == 0 {
		return Response{Content: "Nobody has earned experience yet."}
	}
	var sb strings.Builder
	sb.WriteString("**Leaderboard**\n")
	for i, record := range records {
		fmt.Fprintf(&sb, "%d. <@%s>: level %d, %d XP\n", i+1, record.UserID, record.Level, record.XP)
	}
	return Response{Content: sb.String()}
}

func (b *Bot) cmdLevelingSetup(ctx context.Context, inv *Invocation) Response {
	if b.deps.Leveling == nil {
		return unavailable()
	}
	settings, err := b.deps.Leveling.UpdateSettings(ctx, inv.GuildID, func(s *leveling.Settings) {
		if enabled, ok := inv.Bool("enabled"); ok {
			s.Enabled = enabled
		}
		if channel := inv.String("channel"); channel != "" {
			s.AnnounceChannelID = channel
		}
	})
	if err != nil {
		b.logger.Warn("leveling settings save failed", zap.String("guild_id", inv.GuildID), zap.Error(err))
		return failed()
	}
	return ephemeral(fmt.Sprintf("Leveling %s. Announcements: %s.", onOff(settings.Enabled), mentionChannelOr(settings.AnnounceChannelID, "same channel")))
}

func (b *Bot) cmdRaidSetup(ctx context.Context, inv *Invocation) Response {
	if b.deps.Raid == nil {
		return unavailable()
	}
	action, hasAction := raid.ParseAction(inv.String("action"))
	settings, err := b.deps.Raid.UpdateSettings(ctx, inv.GuildID, func(s *raid.Settings) {
		if enabled, ok := inv.Bool("enabled"); ok {
			s.Enabled = enabled
		}
		if joins, ok := inv.Int("joins"); ok && joins > 0 {
			s.Joins = joins
		}
		if window, ok := inv.Int("window"); ok && window > 0 {
			s.WindowSeconds = window
		}
		if hasAction {
			s.Action = action
		}
		if channel := inv.String("alert_channel"); channel != "" {
			s.AlertChannelID = channel
		}
	})
	if err != nil {
		b.logger.Warn("raid settings save failed", zap.String("guild_id", inv.GuildID), zap.Error(err))
		return failed()
	}
	return ephemeral(fmt.Sprintf("Raid protection %s: %d joins in %ds triggers %s. Alerts: %s.",
		onOff(settings.Enabled), settings.Joins, settings.WindowSeconds, settings.Action, mentionChannel(settings.AlertChannelID)))
}

func (b *Bot) cmdRaidStatus(ctx context.Context, inv *Invocation) Response {
	if b.deps.Raid == nil {
		return unavailable()
	}
	status := b.deps.Raid.Status(inv.GuildID)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Raid protection %s: %d joins in %ds triggers %s.\n",
		onOff(status.Settings.Enabled), status.Settings.Joins, status.Settings.WindowSeconds, status.Settings.Action)
	fmt.Fprintf(&sb, "Joins in window: %d.\n", status.Joins)
	if !status.Lock.Locked {
		sb.WriteString("Not locked.")
		return ephemeral(sb.String())
	}
	fmt.Fprintf(&sb, "**Locked** since %s (%s, %d joins).", relativeTime(status.Lock.Since), status.Lock.Action, status.Lock.Joins)
	if b.deps.Playbook != nil {
		state := b.deps.Playbook.State(inv.GuildID)
		if !state.LiftAt.IsZero() {
			fmt.Fprintf(&sb, " Lifts %s.", relativeTime(state.LiftAt))
		}
		if state.Removed > 0 {
			fmt.Fprintf(&sb, " Removed %d member(s).", state.Removed)
		}
	}
	return ephemeral(sb.String())
}

func (b *Bot) cmdLiftLockdown(ctx context.Context, inv *Invocation) Response {
	var lifted bool
	switch {
	case b.deps.Playbook != nil:
		lifted = b.deps.Playbook.Lift(ctx, inv.GuildID)
	case b.deps.Raid != nil:
		lifted = b.deps.Raid.Reset(ctx, inv.GuildID)
	default:
		return unavailable()
	}
	if !lifted {
		return ephemeral("Raid protection is not active.")
	}
	b.audit(ctx, audit.LevelInfo, inv.GuildID, inv.UserID, "raid_lift", "manual")
	return ephemeral("Raid protection lifted.")
}

func (b *Bot) cmdWelcomeSetup(ctx context.Context, inv *Invocation) Response {
	if b.deps.Onboarding == nil {
		return unavailable()
	}
	welcome, err := b.deps.Onboarding.UpdateWelcome(ctx, inv.GuildID, func(w *onboarding.Welcome) {
		if channel := inv.String("channel"); channel != "" {
			w.ChannelID = channel
			w.Enabled = true
		}
		if enabled, ok := inv.Bool("enabled"); ok {
			w.Enabled = enabled
		}
		if message, ok := inv.Options["message"].(string); ok {
			w.CustomMessage = strings.TrimSpace(message)
		}
	})
	if err != nil {
		b.logger.Warn("welcome settings save failed", zap.String("guild_id", inv.GuildID), zap.Error(err))
		return failed()
	}
	message := "random default"
	if welcome.CustomMessage != "" {
		message = "`" + welcome.CustomMessage + "`"
	}
	return ephemeral(fmt.Sprintf("Welcome %s in %s. Message: %s.", onOff(welcome.Enabled), mentionChannel(welcome.ChannelID), message))
}

func (b *Bot) cmdAutoroleAdd(ctx context.Context, inv *Invocation) Response {
	if b.deps.Onboarding == nil {
		return unavailable()
	}
	roleID := inv.String("role")
	added, err := b.deps.Onboarding.AddAutorole(ctx, inv.GuildID, roleID)
	if err != nil {
		b.logger.Warn("autorole save failed", zap.String("guild_id", inv.GuildID), zap.Error(err))
		return failed()
	}
	if !added {
		return ephemeral(fmt.Sprintf("<@&%s> is already an autorole.", roleID))
	}
	return ephemeral(fmt.Sprintf("New members will get <@&%s>.", roleID))
}

func (b *Bot) cmdAutoroleRemove(ctx context.Context, inv *Invocation) Response {
	if b.deps.Onboarding == nil {
		return unavailable()
	}
	roleID := inv.String("role")
	removed, err := b.deps.Onboarding.RemoveAutorole(ctx, inv.GuildID, roleID)
	if err != nil {
		b.logger.Warn("autorole save failed", zap.String("guild_id", inv.GuildID), zap.Error(err))
		return failed()
	}
	if !removed {
		return ephemeral(fmt.Sprintf("<@&%s> is not an autorole.", roleID))
	}
	return ephemeral(fmt.Sprintf("<@&%s> removed from autoroles.", roleID))
}

func (b *Bot) cmdBackupNow(ctx context.Context, inv *Invocation) Response {
	if b.deps.Backup == nil {
		return unavailable()
	}
	archive, err := b.deps.Backup.RunOnce(ctx, "manual")
	if err != nil {
		b.logger.Warn("manual backup failed", zap.Error(err))
		return ephemeral("Backup failed: " + err.Error())
	}
	return ephemeral(fmt.Sprintf("Backup `%s` written with %d domain(s).", archive.Manifest.Stamp, len(archive.Manifest.Domains)))
}

func ephemeral(content string) Response {
	return Response{Content: content, Ephemeral: true}
}

func failed() Response {
	return ephemeral("Something went wrong saving that. Check the logs.")
}

func unavailable() Response {
	return ephemeral("That feature is not running.")
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func mentionChannel(id string) string {
	return mentionChannelOr(id, "not set")
}

func mentionChannelOr(id, fallback string) string {
	if id == "" {
		return fallback
	}
	return "<#" + id + ">"
}

func mentionRole(id string) string {
	if id == "" {
		return "not set"
	}
	return "<@&" + id + ">"
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}

func stringOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{Type: discordgo.ApplicationCommandOptionString, Name: name, Description: description, Required: required}
}

func userOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{Type: discordgo.ApplicationCommandOptionUser, Name: name, Description: description, Required: required}
}

func boolOption(name, description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{Type: discordgo.ApplicationCommandOptionBoolean, Name: name, Description: description}
}

func roleOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{Type: discordgo.ApplicationCommandOptionRole, Name: name, Description: description, Required: required}
}

func channelOption(name, description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionChannel,
		Name:         name,
		Description:  description,
		ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews},
	}
}

func intOption(name, description string, min, max int) *discordgo.ApplicationCommandOption {
	minValue := float64(min)
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        name,
		Description: description,
		MinValue:    &minValue,
		MaxValue:    float64(max),
	}
}

func difficultyOption() *discordgo.ApplicationCommandOption {
	opt := stringOption("difficulty", "Code difficulty", false)
	opt.Choices = []*discordgo.ApplicationCommandOptionChoice{
		{Name: "easy", Value: string(verification.DifficultyEasy)},
		{Name: "medium", Value: string(verification.DifficultyMedium)},
		{Name: "hard", Value: string(verification.DifficultyHard)},
	}
	return opt
}

func actionOption() *discordgo.ApplicationCommandOption {
	opt := stringOption("action", "What to do when a raid is detected", false)
	opt.Choices = []*discordgo.ApplicationCommandOptionChoice{
		{Name: "lockdown", Value: string(raid.ActionLockdown)},
		{Name: "kick", Value: string(raid.ActionKick)},
		{Name: "ban", Value: string(raid.ActionBan)},
	}
	return opt
}
