package insightbot

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names. Registered via bulk overwrite on startup.
const (
	SlashCommandAsk      = "ask"
	SlashCommandDiagnose = "diagnose"
	SlashCommandSearchKB = "search-kb"
	SlashCommandErrHelp  = "error-help"
	SlashCommandQuickFix = "quick-fix"
	SlashCommandHelpST   = "help-st"

	SlashCommandStatus        = "status"
	SlashCommandSystemInfo    = "system-info"
	SlashCommandAPIErrors     = "api-errors"
	SlashCommandNotifyHistory = "notification-history"
	SlashCommandTestNotify    = "test-notification"
	SlashCommandReload        = "reload"
	SlashCommandCleanupDB     = "cleanup-db"
	SlashCommandUserStats     = "user-stats"
	SlashCommandRecent        = "recent-questions"

	SlashCommandKeywordAdd    = "keyword-add"
	SlashCommandKeywordRemove = "keyword-remove"
	SlashCommandKeywordList   = "keyword-list"
	SlashCommandKeywordSearch = "keyword-search"
	SlashCommandKeywordStats  = "keyword-stats"
	SlashCommandKeywordToggle = "keyword-toggle"

	SlashCommandAdminList   = "admin-list"
	SlashCommandAdminAdd    = "admin-add"
	SlashCommandAdminRemove = "admin-remove"
)

const (
	questionOption = "question"
	imageOption    = "image"
	queryOption    = "query"
	codeOption     = "code"
	nameOption     = "name"
	keywordOption  = "keyword"
	responseOption = "response"
	userOption     = "user"
	daysOption     = "days"
	limitOption    = "limit"
	hoursOption    = "hours"
	messageOption  = "message"
)

// Discord manages the gateway session: connecting, registering slash
// commands, and tracking connection state.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and
// configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// registerCommands bulk-overwrites the application's slash commands.
func (d *Discord) registerCommands() ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		applicationCommands(),
	)
}

func applicationCommands() []*discordgo.ApplicationCommand {
	minLength := 1

	return []*discordgo.ApplicationCommand{
		{
			Name:        SlashCommandAsk,
			Description: "Ask a SillyTavern question",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        questionOption,
					Description: "Your question",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        SlashCommandDiagnose,
			Description: "Diagnose an error from a screenshot",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionAttachment,
					Name:        imageOption,
					Description: "Screenshot of the error",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        questionOption,
					Description: "Additional context (optional)",
				},
			},
		},
		{
			Name:        SlashCommandSearchKB,
			Description: "Search the knowledge base",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        queryOption,
					Description: "Search text",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        SlashCommandErrHelp,
			Description: "Get help for a specific error code",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        codeOption,
					Description: "Error code or name",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        SlashCommandQuickFix,
			Description: "Show steps for a common fix",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        nameOption,
					Description: "Quick fix name",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        SlashCommandHelpST,
			Description: "Show SillyTavern resource links",
		},
		{
			Name:        SlashCommandStatus,
			Description: "Show bot status (admin)",
		},
		{
			Name:        SlashCommandSystemInfo,
			Description: "Show system statistics (admin)",
		},
		{
			Name:        SlashCommandAPIErrors,
			Description: "Show API error statistics (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        hoursOption,
					Description: "Window in hours (default 24)",
				},
			},
		},
		{
			Name:        SlashCommandNotifyHistory,
			Description: "Show recent admin notifications (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        limitOption,
					Description: "Max entries (default 10)",
				},
			},
		},
		{
			Name:        SlashCommandTestNotify,
			Description: "Send a test notification to all admins (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        messageOption,
					Description: "Test message content",
				},
			},
		},
		{
			Name:        SlashCommandReload,
			Description: "Reload the knowledge base and keyword cache (admin)",
		},
		{
			Name:        SlashCommandCleanupDB,
			Description: "Delete records older than N days (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        daysOption,
					Description: "Retention window in days",
					Required:    true,
				},
			},
		},
		{
			Name:        SlashCommandUserStats,
			Description: "Show statistics for a user (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        userOption,
					Description: "The user",
					Required:    true,
				},
			},
		},
		{
			Name:        SlashCommandRecent,
			Description: "Show recent questions (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        limitOption,
					Description: "Max entries (default 10)",
				},
			},
		},
		{
			Name:        SlashCommandKeywordAdd,
			Description: "Add a trigger keyword (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        keywordOption,
					Description: "The keyword",
					Required:    true,
					MinLength:   &minLength,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        responseOption,
					Description: "Canned response text",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        SlashCommandKeywordRemove,
			Description: "Remove a trigger keyword (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        keywordOption,
					Description: "The keyword",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        SlashCommandKeywordList,
			Description: "List trigger keywords (admin)",
		},
		{
			Name:        SlashCommandKeywordSearch,
			Description: "Search trigger keywords (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        queryOption,
					Description: "Search text",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        SlashCommandKeywordStats,
			Description: "Show keyword statistics (admin)",
		},
		{
			Name:        SlashCommandKeywordToggle,
			Description: "Enable or disable a trigger keyword (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        keywordOption,
					Description: "The keyword",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:        SlashCommandAdminList,
			Description: "List admins (admin)",
		},
		{
			Name:        SlashCommandAdminAdd,
			Description: "Grant admin to a user (super-admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        userOption,
					Description: "The user",
					Required:    true,
				},
			},
		},
		{
			Name:        SlashCommandAdminRemove,
			Description: "Revoke store-granted admin from a user (super-admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        userOption,
					Description: "The user",
					Required:    true,
				},
			},
		},
	}
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines the methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites the application's
	// slash commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendEmbedReply sends an embed to the given channel,
	// as a reply to the referenced message
	ChannelMessageSendEmbedReply(
		channelID string,
		embed *discordgo.MessageEmbed,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendEmbed sends an embed to the given channel
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate creates (or returns an existing) DM channel
	// with the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	rv, err := d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
	if err != nil {
		d.logger.Error("error overwriting commands", tint.Err(err))
	} else {
		d.logger.Info("registered commands", "count", len(rv))
	}
	return rv, err
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ChannelMessageSendEmbedReply(
	channelID string,
	embed *discordgo.MessageEmbed,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbedReply(
		channelID, embed, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending embed reply",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, options...)
	if err != nil {
		d.logger.Error(
			"error sending embed",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
