package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Invocation is one command call with its options flattened by name.
type Invocation struct {
	GuildID     string
	ChannelID   string
	UserID      string
	Permissions int64
	Options     map[string]any
}

func (i *Invocation) String(name string) string {
	value, _ := i.Options[name].(string)
	return strings.TrimSpace(value)
}

func (i *Invocation) Int(name string) (int, bool) {
	value, ok := i.Options[name].(int64)
	return int(value), ok
}

func (i *Invocation) Bool(name string) (bool, bool) {
	value, ok := i.Options[name].(bool)
	return value, ok
}

type Response struct {
	Content   string
	Ephemeral bool
}

type Handler func(ctx context.Context, inv *Invocation) Response

type Command struct {
	Name        string
	Description string
	Permission  int64
	GuildOnly   bool
	Options     []*discordgo.ApplicationCommandOption
	Handler     Handler
}

// Registry maps command names to handlers and the permission they require.
type Registry struct {
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("command %q: name and handler required", cmd.Name)
	}
	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("command %q registered twice", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

func (r *Registry) Get(name string) (Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch checks scope and permission before running the handler.
func (r *Registry) Dispatch(ctx context.Context, name string, inv *Invocation) Response {
	cmd, ok := r.commands[name]
	if !ok {
		return Response{Content: "Unknown command.", Ephemeral: true}
	}
	if cmd.GuildOnly && inv.GuildID == "" {
		return Response{Content: "This command only works inside a server.", Ephemeral: true}
	}
	if !hasPermission(inv.Permissions, cmd.Permission) {
		return Response{Content: fmt.Sprintf("You need the %s permission to use /%s.", permissionName(cmd.Permission), cmd.Name), Ephemeral: true}
	}
	return cmd.Handler(ctx, inv)
}

// ApplicationCommands builds the slash command definitions.
func (r *Registry) ApplicationCommands() []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(r.commands))
	for _, name := range r.Names() {
		cmd := r.commands[name]
		def := &discordgo.ApplicationCommand{
			Name:        cmd.Name,
			Description: cmd.Description,
			Options:     cmd.Options,
		}
		if cmd.Permission != 0 {
			perm := cmd.Permission
			def.DefaultMemberPermissions = &perm
		}
		if cmd.GuildOnly {
			dm := false
			def.DMPermission = &dm
		}
		out = append(out, def)
	}
	return out
}

func hasPermission(granted, required int64) bool {
	if required == 0 {
		return true
	}
	if granted&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return granted&required == required
}

func permissionName(perm int64) string {
	switch perm {
	case discordgo.PermissionAdministrator:
		return "Administrator"
	case discordgo.PermissionManageGuild:
		return "Manage Server"
	case discordgo.PermissionManageRoles:
		return "Manage Roles"
	default:
		return fmt.Sprintf("0x%x", perm)
	}
}

func optionsFromInteraction(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]any {
	out := make(map[string]any, len(options))
	for _, opt := range options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionInteger:
			out[opt.Name] = opt.IntValue()
		case discordgo.ApplicationCommandOptionBoolean:
			out[opt.Name] = opt.BoolValue()
		default:
			if value, ok := opt.Value.(string); ok {
				out[opt.Name] = value
			}
		}
	}
	return out
}
