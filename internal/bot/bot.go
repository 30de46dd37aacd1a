package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/backup"
	"github.com/glutchdiscord-alt/goofguard/internal/config"
	"github.com/glutchdiscord-alt/goofguard/internal/leveling"
	"github.com/glutchdiscord-alt/goofguard/internal/modules/audit"
	"github.com/glutchdiscord-alt/goofguard/internal/onboarding"
	"github.com/glutchdiscord-alt/goofguard/internal/playbook"
	"github.com/glutchdiscord-alt/goofguard/internal/raid"
	"github.com/glutchdiscord-alt/goofguard/internal/verification"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const sweepInterval = time.Minute

// Deps are the state components the bot drives.
type Deps struct {
	Verification *verification.Manager
	Leveling     *leveling.Engine
	Raid         *raid.Guard
	Playbook     *playbook.Engine
	Onboarding   *onboarding.Manager
	Backup       *backup.Scheduler
	Audit        *audit.Logger
}

type Bot struct {
	cfg      config.Config
	logger   *zap.Logger
	session  *discordgo.Session
	gateway  Gateway
	deps     Deps
	registry *Registry

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// joinEvent is the part of a member join the handlers need.
type joinEvent struct {
	GuildID   string
	GuildName string
	UserID    string
	Username  string
	Bot       bool
}

func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return session, nil
}

func New(cfg config.Config, logger *zap.Logger, session *discordgo.Session, gateway Gateway, deps Deps) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bot{
		cfg:      cfg,
		logger:   logger,
		session:  session,
		gateway:  gateway,
		deps:     deps,
		registry: NewRegistry(),
		stop:     make(chan struct{}),
	}
	if err := b.registerCommands(); err != nil {
		return nil, err
	}
	if b.deps.Audit != nil {
		b.deps.Audit.SetNotifier(b.notifyAudit)
	}
	return b, nil
}

func (b *Bot) Registry() *Registry {
	return b.registry
}

func (b *Bot) Start() error {
	if b.session == nil {
		return errors.New("bot: no session")
	}
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}
	if err := b.syncCommands(); err != nil {
		return err
	}
	b.startSweeper()
	return nil
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	ctx := context.Background()
	if msg.GuildID == "" {
		b.handleDirectMessage(ctx, msg.ChannelID, msg.Author.ID, msg.Content)
		return
	}
	b.handleGuildMessage(ctx, msg.GuildID, msg.ChannelID, msg.Author.ID)
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.GuildID == "" || event.Member == nil || event.User == nil {
		return
	}
	join := joinEvent{
		GuildID:  event.GuildID,
		UserID:   event.User.ID,
		Username: event.User.Username,
		Bot:      event.User.Bot,
	}
	if session.State != nil {
		if guild, err := session.State.Guild(event.GuildID); err == nil && guild != nil {
			join.GuildName = guild.Name
		}
	}
	b.handleJoin(context.Background(), join)
}

// handleDirectMessage treats every DM as a verification attempt against the
// sender's latest challenge.
func (b *Bot) handleDirectMessage(ctx context.Context, channelID, userID, content string) {
	if b.deps.Verification == nil || strings.TrimSpace(content) == "" {
		return
	}
	result, err := b.deps.Verification.Attempt(ctx, userID, content)
	if result.Outcome == verification.OutcomeNoPending {
		return
	}
	reply := b.verificationReply(ctx, userID, result, err)
	if err := b.gateway.SendMessage(ctx, channelID, reply); err != nil {
		b.logger.Warn("verification reply failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// verificationReply applies the side effects of an attempt and returns the
// text shown to the member.
func (b *Bot) verificationReply(ctx context.Context, userID string, result verification.Result, err error) string {
	communityID := result.Pending.CommunityID
	switch result.Outcome {
	case verification.OutcomeVerified:
		b.grantAutoroles(ctx, communityID, userID)
		b.audit(ctx, audit.LevelInfo, communityID, userID, "verification_passed", "")
		return "You're verified. Welcome in!"
	case verification.OutcomeWrongCode:
		return fmt.Sprintf("That code is wrong. %d attempt(s) left.", result.Pending.Remaining())
	case verification.OutcomeExhausted:
		b.audit(ctx, audit.LevelWarn, communityID, userID, "verification_exhausted", fmt.Sprintf("attempts=%d", result.Pending.AttemptsUsed))
		return "Out of attempts. Ask a moderator for a new code."
	case verification.OutcomeExpired:
		return "That code expired. Ask a moderator for a new one."
	case verification.OutcomeGrantFailed:
		b.audit(ctx, audit.LevelCrit, communityID, userID, "verification_grant_failed", errString(err))
		return "Your code is right but I couldn't give you the role yet. Send it again in a moment."
	default:
		return "You have no pending verification."
	}
}

func (b *Bot) handleGuildMessage(ctx context.Context, guildID, channelID, userID string) {
	if b.deps.Leveling == nil {
		return
	}
	settings := b.deps.Leveling.Settings(guildID)
	if !settings.Enabled {
		return
	}
	result := b.deps.Leveling.RecordActivity(ctx, guildID, userID)
	if !result.LeveledUp {
		return
	}
	target := settings.AnnounceChannelID
	if target == "" {
		target = channelID
	}
	msg := fmt.Sprintf("<@%s> reached level %d!", userID, result.Record.Level)
	if err := b.gateway.SendMessage(ctx, target, msg); err != nil {
		b.logger.Warn("level up announcement failed", zap.String("guild_id", guildID), zap.Error(err))
	}
}

// handleJoin classifies the join first. Members of a raid batch get no
// challenge, roles or welcome.
func (b *Bot) handleJoin(ctx context.Context, join joinEvent) {
	if join.Bot {
		return
	}
	if b.deps.Raid != nil {
		decision := b.deps.Raid.RecordJoin(ctx, join.GuildID, join.UserID)
		if decision.Triggered && b.deps.Playbook != nil {
			b.deps.Playbook.Execute(ctx, decision)
		}
		if decision.Verdict == raid.VerdictRaid {
			return
		}
	}

	if b.deps.Verification != nil && b.deps.Verification.Settings(join.GuildID).Enabled {
		pending, err := b.deps.Verification.Issue(ctx, join.GuildID, join.UserID, "", "")
		switch {
		case errors.Is(err, verification.ErrDeliveryFailed):
			b.audit(ctx, audit.LevelWarn, join.GuildID, join.UserID, "verification_delivery_failed", errString(err))
		case err != nil:
			b.logger.Warn("verification issue failed", zap.String("guild_id", join.GuildID), zap.Error(err))
		default:
			b.logger.Debug("verification issued", zap.String("guild_id", join.GuildID), zap.String("user_id", pending.UserID))
		}
	} else {
		b.grantAutoroles(ctx, join.GuildID, join.UserID)
	}

	if b.deps.Onboarding == nil {
		return
	}
	member := onboarding.Member{UserID: join.UserID, Username: join.Username, Server: join.GuildName}
	channelID, message, ok := b.deps.Onboarding.WelcomeMessage(join.GuildID, member)
	if !ok {
		return
	}
	if err := b.gateway.SendMessage(ctx, channelID, message); err != nil {
		b.logger.Warn("welcome message failed", zap.String("guild_id", join.GuildID), zap.Error(err))
	}
}

func (b *Bot) grantAutoroles(ctx context.Context, guildID, userID string) {
	if b.deps.Onboarding == nil || guildID == "" {
		return
	}
	for _, roleID := range b.deps.Onboarding.Autoroles(guildID) {
		if err := b.gateway.GrantRole(ctx, guildID, userID, roleID); err != nil {
			b.logger.Warn("autorole grant failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("role_id", roleID), zap.Error(err))
		}
	}
}

func (b *Bot) audit(ctx context.Context, level, guildID, userID, event, details string) {
	if b.deps.Audit == nil {
		return
	}
	b.deps.Audit.Log(ctx, level, guildID, userID, event, details)
}

// notifyAudit relays verification events to the verification log channel
// and everything else to the raid alert channel.
func (b *Bot) notifyAudit(ctx context.Context, entry audit.Entry) {
	if entry.GuildID == "" {
		return
	}
	var channelID string
	if strings.HasPrefix(entry.Event, "verification") {
		if b.deps.Verification != nil {
			channelID = b.deps.Verification.Settings(entry.GuildID).LogChannelID
		}
	} else if b.deps.Raid != nil {
		channelID = b.deps.Raid.Settings(entry.GuildID).AlertChannelID
	}
	if channelID == "" {
		return
	}
	if err := b.gateway.SendMessage(ctx, channelID, formatAudit(entry)); err != nil {
		b.logger.Debug("audit relay failed", zap.String("guild_id", entry.GuildID), zap.Error(err))
	}
}

func formatAudit(entry audit.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**[%s]** `%s`", entry.Level, entry.Event)
	if entry.UserID != "" {
		fmt.Fprintf(&sb, " <@%s>", entry.UserID)
	}
	if entry.Details != "" {
		sb.WriteString(": ")
		sb.WriteString(entry.Details)
	}
	return sb.String()
}

// startSweeper drops expired challenges once a minute until Close.
func (b *Bot) startSweeper() {
	if b.deps.Verification == nil || b.cfg.Verification.TTL <= 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ticker.C:
				if n := b.deps.Verification.Sweep(context.Background()); n > 0 {
					b.logger.Info("expired challenges swept", zap.Int("count", n))
				}
			}
		}
	}()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
