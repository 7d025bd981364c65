package insightbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// mockDiscordSession records outbound calls and returns canned values.
type mockDiscordSession struct {
	mu sync.Mutex

	embedReplies   []*discordgo.MessageEmbed
	dmEmbeds       []*discordgo.MessageEmbed
	dmChannels     []string
	dmChannelErr   error
	dmSendErr      error
	customStatuses []string
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	_ *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbedReply(
	_ string,
	embed *discordgo.MessageEmbed,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedReplies = append(m.embedReplies, embed)
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	_ string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dmSendErr != nil {
		return nil, m.dmSendErr
	}
	m.dmEmbeds = append(m.dmEmbeds, embed)
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dmChannelErr != nil {
		return nil, m.dmChannelErr
	}
	m.dmChannels = append(m.dmChannels, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatuses = append(m.customStatuses, status)
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error { return nil }

// newTestBot assembles a bot with a real SQLite-backed store, the test
// knowledge base, a mocked AI client, and a mocked Discord session.
func newTestBot(t testing.TB, client AIClient) (*InsightBot, *mockDiscordSession) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SuperAdmins = []string{"900"}
	cfg.Discord.ErrorMessage = "Something went wrong. Please try again."

	session := &mockDiscordSession{}

	b := &InsightBot{
		config:  cfg,
		logger:  slog.Default(),
		db:      newTestStore(t),
		kb:      loadTestKB(t),
		seen:    newSeenMessages(),
		started: time.Now(),
		discord: &Discord{
			config:  cfg.Discord,
			session: session,
			logger:  slog.Default(),
		},
	}
	b.ai = &AI{
		client:         client,
		config:         cfg.OpenAI,
		logger:         slog.Default(),
		requestLimiter: rate.NewLimiter(rate.Inf, 1),
		mu:             &sync.RWMutex{},
	}
	b.router = newRouter(b.isAdmin, b.isSuperAdmin)
	b.registerRoutes()
	return b, session
}

func TestEveryCommandIsRegistered(t *testing.T) {
	b, _ := newTestBot(t, &mockAIClient{})

	for _, cmd := range applicationCommands() {
		_, ok := b.router.routes[cmd.Name]
		assert.True(t, ok, "command %q has no handler", cmd.Name)
		_, ok = commandPermissions[cmd.Name]
		assert.True(t, ok, "command %q has no permission tier", cmd.Name)
	}
	assert.Len(t, applicationCommands(), len(commandPermissions))
}

func TestCmdAsk(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(
		t,
		&mockAIClient{response: completionResponse("Update your backend URL.")},
	)

	reply := b.router.Dispatch(
		ctx, &Request{
			Kind:     TriggerCommand,
			Command:  SlashCommandAsk,
			UserID:   "100",
			Username: "alice",
			Question: "why won't it connect?",
		},
	)
	require.NotNil(t, reply)
	require.Len(t, reply.Embeds, 1)
	assert.Equal(t, "SillyTavern Help", reply.Embeds[0].Title)

	questions, err := b.db.RecentQuestions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "why won't it connect?", questions[0].Question)
	assert.Equal(t, "Update your backend URL.", questions[0].Answer)
	assert.False(t, questions[0].HasImage)
}

func TestCmdAskAIFailure(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(
		t,
		&mockAIClient{
			err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests},
		},
	)

	reply := b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandAsk,
			UserID:   "100",
			Question: "anything",
		},
	)
	require.NotNil(t, reply)
	require.Len(t, reply.Embeds, 1)
	assert.Equal(t, b.config.Discord.ErrorMessage, reply.Embeds[0].Description)

	// The failure was recorded with its classification
	stats, err := b.db.APIErrorStatistics(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalErrors)
	require.Len(t, stats.ByType, 1)
	assert.Equal(t, string(AIErrorRateLimited), stats.ByType[0].Key)

	// But no question row
	questions, err := b.db.RecentQuestions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, questions)
}

func TestCmdDiagnoseRequiresImage(t *testing.T) {
	b, _ := newTestBot(
		t,
		&mockAIClient{response: completionResponse("Looks like a CORS error.")},
	)
	ctx := context.Background()

	reply := b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandDiagnose,
			UserID:  "100",
		},
	)
	require.NotNil(t, reply)
	require.Len(t, reply.Embeds, 1)
	assert.Equal(t, "No image attached.", reply.Embeds[0].Description)

	reply = b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandDiagnose,
			UserID:   "100",
			ImageURL: "https://cdn.example.com/shot.png",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "SillyTavern Help", reply.Embeds[0].Title)

	questions, err := b.db.RecentQuestions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.True(t, questions[0].HasImage)
}

func TestPermissionDenialIsNotRecordedAsError(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandCleanupDB,
			UserID:  "nobody",
		},
	)
	require.NotNil(t, reply)
	assert.True(t, reply.Ephemeral)
	assert.Equal(t, "Permission denied", reply.Embeds[0].Title)

	stats, err := b.db.APIErrorStatistics(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalErrors)
}

func TestCmdSearchKB(t *testing.T) {
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		context.Background(), &Request{
			Command: SlashCommandSearchKB,
			UserID:  "100",
			Query:   "api",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "API Connection")
}

func TestCmdErrorHelp(t *testing.T) {
	b, _ := newTestBot(t, &mockAIClient{})
	ctx := context.Background()

	reply := b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandErrHelp,
			UserID:  "100",
			Query:   "401",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "401", reply.Embeds[0].Title)

	reply = b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandErrHelp,
			UserID:  "100",
			Query:   "999",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "No help found")
}

func TestCmdQuickFix(t *testing.T) {
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		context.Background(), &Request{
			Command: SlashCommandQuickFix,
			UserID:  "100",
			Query:   "reset-settings",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "reset-settings", reply.Embeds[0].Title)
}

func TestCmdHelpST(t *testing.T) {
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		context.Background(), &Request{
			Command: SlashCommandHelpST,
			UserID:  "100",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "https://docs.sillytavern.app/")
}

func TestCmdStatus(t *testing.T) {
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		context.Background(), &Request{
			Command: SlashCommandStatus,
			UserID:  "900",
		},
	)
	require.NotNil(t, reply)
	assert.True(t, reply.Ephemeral)
	assert.Contains(t, reply.Embeds[0].Description, "Uptime")
}

func TestCmdAPIErrors(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(t, &mockAIClient{})

	require.NoError(
		t, b.db.LogAPIError(
			ctx, &APIError{
				ErrorType: string(AIErrorTimeout),
				Severity:  severityMedium,
				Message:   "timed out",
			},
		),
	)

	reply := b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandAPIErrors,
			UserID:  "900",
		},
	)
	require.NotNil(t, reply)
	// Default window is 24 hours
	assert.Contains(t, reply.Embeds[0].Description, "**1** total errors in the last 24h")
}

func TestCmdKeywordLifecycle(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandKeywordAdd,
			UserID:   "900",
			Keyword:  "CORS",
			Response: "Enable CORS on the backend.",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "Keyword added", reply.Embeds[0].Title)

	// Mutations refresh the trigger cache
	assert.NotNil(t, b.matchStoredKeyword("I think this is a cors problem"))

	reply = b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandKeywordAdd,
			UserID:   "900",
			Keyword:  "cors",
			Response: "dup",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "already exists")

	reply = b.router.Dispatch(
		ctx, &Request{Command: SlashCommandKeywordList, UserID: "900"},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "`CORS` (enabled, 0 triggers)")

	reply = b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandKeywordSearch,
			UserID:  "900",
			Query:   "backend",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "CORS")

	reply = b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandKeywordToggle,
			UserID:  "900",
			Keyword: "cors",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "now disabled")
	// Disabled keywords leave the trigger cache
	assert.Nil(t, b.matchStoredKeyword("another cors problem"))

	reply = b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandKeywordRemove,
			UserID:  "900",
			Keyword: "cors",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "Keyword removed", reply.Embeds[0].Title)

	reply = b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandKeywordRemove,
			UserID:  "900",
			Keyword: "cors",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "not found")
}

func TestCmdAdminAddRemove(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandAdminAdd,
			UserID:   "900",
			TargetID: "100",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "Admin added", reply.Embeds[0].Title)
	assert.True(t, b.isAdmin(ctx, "100"))

	// Store admins aren't super admins
	reply = b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandAdminAdd,
			UserID:   "100",
			TargetID: "200",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "Permission denied", reply.Embeds[0].Title)

	// Super admins can't be granted store admin
	reply = b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandAdminAdd,
			UserID:   "900",
			TargetID: "900",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "already a super admin")

	// Or removed at runtime
	reply = b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandAdminRemove,
			UserID:   "900",
			TargetID: "900",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "can't be removed")

	reply = b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandAdminRemove,
			UserID:   "900",
			TargetID: "100",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "Admin removed", reply.Embeds[0].Title)
	assert.False(t, b.isAdmin(ctx, "100"))
}

func TestCmdCleanupDBDefaultDays(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandCleanupDB,
			UserID:  "900",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(
		t,
		reply.Embeds[0].Description,
		fmt.Sprintf("older than %d days", b.config.RetentionDays),
	)
}

func TestCmdTestNotification(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t, &mockAIClient{})

	_, err := b.db.AddAdmin(ctx, "100", "alice", "900")
	require.NoError(t, err)

	reply := b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandTestNotify,
			UserID:  "900",
			Message: "ping",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "Delivered to 2 of 2 admins")

	// One DM per admin: the super admin plus the store admin
	assert.ElementsMatch(t, []string{"900", "100"}, session.dmChannels)
	require.Len(t, session.dmEmbeds, 2)
	assert.Equal(t, "ping", session.dmEmbeds[0].Description)

	history, err := b.db.NotificationHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Recipients)
	assert.Equal(t, 2, history[0].Delivered)
	assert.Equal(t, 0, history[0].Failed)
}

func TestNotifyAdminsCountsFailures(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t, &mockAIClient{})
	session.dmChannelErr = errors.New("cannot dm user")

	n := b.notifyAdmins(
		ctx, Notification{
			Type:     "test",
			Title:    "Test",
			Severity: severityLow,
		},
	)
	assert.Equal(t, 1, n.Recipients)
	assert.Equal(t, 0, n.Delivered)
	assert.Equal(t, 1, n.Failed)
}

func TestCmdReload(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(t, &mockAIClient{})
	b.config.KnowledgeBase = "/nonexistent/kb.json"

	// Reload failure keeps the current document
	before := b.KnowledgeBase()
	reply := b.router.Dispatch(
		ctx, &Request{Command: SlashCommandReload, UserID: "900"},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "reload failed")
	assert.Same(t, before, b.KnowledgeBase())
}

func TestCmdUserStats(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		ctx, &Request{
			Command: SlashCommandUserStats,
			UserID:  "900",
		},
	)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Embeds[0].Description, "No user specified")

	require.NoError(
		t, b.db.LogQuestion(
			ctx, &Question{
				UserID:   "100",
				Username: "alice",
				Question: "q",
				Answer:   "a",
			},
		),
	)
	reply = b.router.Dispatch(
		ctx, &Request{
			Command:  SlashCommandUserStats,
			UserID:   "900",
			TargetID: "100",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "User stats: alice", reply.Embeds[0].Title)
}

func TestCmdSystemInfo(t *testing.T) {
	b, _ := newTestBot(t, &mockAIClient{})

	reply := b.router.Dispatch(
		context.Background(), &Request{
			Command: SlashCommandSystemInfo,
			UserID:  "900",
		},
	)
	require.NotNil(t, reply)
	assert.Equal(t, "System Info", reply.Embeds[0].Title)
}
