package bot

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := interaction.ApplicationCommandData()
	inv := &Invocation{
		GuildID:   interaction.GuildID,
		ChannelID: interaction.ChannelID,
		Options:   optionsFromInteraction(data.Options),
	}
	switch {
	case interaction.Member != nil && interaction.Member.User != nil:
		inv.UserID = interaction.Member.User.ID
		inv.Permissions = interaction.Member.Permissions
	case interaction.User != nil:
		inv.UserID = interaction.User.ID
	}

	resp := b.registry.Dispatch(context.Background(), data.Name, inv)
	b.respond(session, interaction, resp)
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, resp Response) {
	flags := discordgo.MessageFlags(0)
	if resp.Ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: resp.Content,
			Flags:   flags,
		},
	})
	if err != nil {
		b.logger.Warn("interaction response failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
	}
}

// syncCommands creates or edits every registered command and deletes global
// commands that are no longer registered.
func (b *Bot) syncCommands() error {
	appID := b.session.State.User.ID
	commands := b.registry.ApplicationCommands()

	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		for _, cmd := range commands {
			if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	for _, cmd := range commands {
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := b.registry.Get(cmd.Name); ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}
