// Package insightbot implements a Discord support bot for SillyTavern.
// It answers questions through an OpenAI-compatible chat completion
// API, replies passively to keyword and screenshot triggers, serves a
// JSON-file knowledge base, and keeps question/error/keyword/admin
// records in a SQLite (or Postgres) store.
package insightbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Set via -ldflags at build time
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

// InsightBot is the top-level bot: configuration, store, knowledge
// base, AI client, Discord session, router, and HTTP API.
type InsightBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      Store
	ai      *AI
	discord *Discord
	router  *Router
	api     *API

	kbMu sync.RWMutex
	kb   *KnowledgeBase

	keywordMu      sync.RWMutex
	storedKeywords []Keyword

	seen    *seenMessages
	started time.Time
}

// New creates an InsightBot from the given config. The store and
// knowledge base are not loaded until Run.
func New(config *Config) (*InsightBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &InsightBot{
		config: config,
		seen:   newSeenMessages(),
	}

	b.logHandler = newTintHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.ai = newAI(config.OpenAI, config.HTTPClient)

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(config.Discord)
	disc.logger = slog.New(
		newTintHandler(config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	b.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newTintHandler(config.Discord.DiscordGoLogLevel).
			WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.router = newRouter(b.isAdmin, b.isSuperAdmin)
	b.registerRoutes()

	return b, errors.Join(errs...)
}

// ValidateConfig checks the config against its binding tags. Any
// violation is fatal before startup.
func (b *InsightBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Run starts the bot: opens the store, loads the knowledge base,
// connects to Discord, registers slash commands, and serves the HTTP
// API. It blocks until ctx is canceled, then shuts down gracefully.
func (b *InsightBot) Run(ctx context.Context) error {
	if err := b.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	startupCtx, startupCancel := context.WithTimeout(
		ctx,
		b.config.StartupTimeout,
	)
	defer startupCancel()

	gormLogger := newGORMLogger(
		newTintHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	gdb, err := CreateDB(
		startupCtx,
		b.config.DatabaseType,
		b.config.Database,
		gormLogger,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = NewDatabase(
		gdb,
		slog.New(newTintHandler(b.config.DatabaseLogLevel)),
		b.config.DatabaseType == dbTypePostgres,
	)

	// A missing or malformed knowledge base prevents startup.
	kb, err := LoadKnowledgeBase(b.config.KnowledgeBase)
	if err != nil {
		return fmt.Errorf("error loading knowledge base: %w", err)
	}
	b.kb = kb
	b.logger.Info(
		"knowledge base loaded",
		"path", b.config.KnowledgeBase,
		"stats", kb.Stats(),
	)

	if err = b.refreshKeywordCache(startupCtx); err != nil {
		return fmt.Errorf("error loading keywords: %w", err)
	}

	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.handleReady),
		session.AddHandler(b.handleInteraction),
		session.AddHandler(b.handleMessageCreate),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = b.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if b.config.Discord.CustomStatus != "" {
		if statusErr := session.UpdateCustomStatus(
			b.config.Discord.CustomStatus,
		); statusErr != nil {
			b.logger.Warn("error setting custom status", tint.Err(statusErr))
		}
	}

	b.started = time.Now()
	b.logger.Info("bot started", "version", Version)

	g, gctx := errgroup.WithContext(ctx)

	if b.config.API != nil && b.config.API.Enabled {
		b.api = newAPI(b.config.API, b.db, b.KnowledgeBase)
		g.Go(
			func() error {
				serveErr := b.api.Serve(gctx)
				if errors.Is(serveErr, http.ErrServerClosed) {
					return nil
				}
				return serveErr
			},
		)
	}

	g.Go(
		func() error {
			<-gctx.Done()
			b.shutdown()
			return nil
		},
	)

	return g.Wait()
}

func (b *InsightBot) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	for _, removeHandler := range b.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if err := b.discord.session.Close(); err != nil {
		b.logger.Warn("error closing discord session", tint.Err(err))
	}
	if b.api != nil {
		if err := b.api.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("error shutting down api", tint.Err(err))
		}
	}
	b.logger.Info("shutdown complete")
}

// KnowledgeBase returns the currently loaded knowledge base document.
func (b *InsightBot) KnowledgeBase() *KnowledgeBase {
	b.kbMu.RLock()
	defer b.kbMu.RUnlock()
	return b.kb
}

// reloadKnowledgeBase re-reads the knowledge base document. On failure
// the previously loaded document stays active.
func (b *InsightBot) reloadKnowledgeBase() error {
	kb, err := LoadKnowledgeBase(b.config.KnowledgeBase)
	if err != nil {
		return err
	}
	b.kbMu.Lock()
	b.kb = kb
	b.kbMu.Unlock()
	return nil
}

// refreshKeywordCache reloads the enabled stored keywords. Called at
// startup, after keyword mutations, and on /reload.
func (b *InsightBot) refreshKeywordCache(ctx context.Context) error {
	keywords, err := b.db.ListKeywords(ctx)
	if err != nil {
		return err
	}
	enabled := make([]Keyword, 0, len(keywords))
	for _, kw := range keywords {
		if kw.Enabled {
			enabled = append(enabled, kw)
		}
	}
	b.keywordMu.Lock()
	b.storedKeywords = enabled
	b.keywordMu.Unlock()
	return nil
}

// matchStoredKeyword returns the enabled stored keyword found as a
// case-insensitive substring of content, or nil.
func (b *InsightBot) matchStoredKeyword(content string) *Keyword {
	lowered := strings.ToLower(content)
	b.keywordMu.RLock()
	defer b.keywordMu.RUnlock()
	for i := range b.storedKeywords {
		kw := &b.storedKeywords[i]
		if strings.Contains(lowered, kw.Normalized) {
			return kw
		}
	}
	return nil
}

// isSuperAdmin checks the immutable, config-sourced admin tier.
func (b *InsightBot) isSuperAdmin(userID string) bool {
	for _, id := range b.config.SuperAdmins {
		if id == userID {
			return true
		}
	}
	return false
}

// isAdmin checks the union of the config super-admin set and the
// store-backed admin tier. A store error fails closed.
func (b *InsightBot) isAdmin(ctx context.Context, userID string) bool {
	if b.isSuperAdmin(userID) {
		return true
	}
	ok, err := b.db.IsStoreAdmin(ctx, userID)
	if err != nil {
		b.logger.Error("error checking admin status", tint.Err(err))
		return false
	}
	return ok
}

// adminRecipients is the union of super admins and store admins,
// deduplicated, in a stable order.
func (b *InsightBot) adminRecipients(ctx context.Context) []string {
	seen := map[string]bool{}
	var recipients []string
	for _, id := range b.config.SuperAdmins {
		if !seen[id] {
			seen[id] = true
			recipients = append(recipients, id)
		}
	}
	admins, err := b.db.ListAdmins(ctx)
	if err != nil {
		b.logger.Error("error listing admins", tint.Err(err))
		return recipients
	}
	for _, a := range admins {
		if !seen[a.UserID] {
			seen[a.UserID] = true
			recipients = append(recipients, a.UserID)
		}
	}
	return recipients
}

// notifyAdmins DMs every admin with the given notification and records
// the delivery outcome in the notification history.
func (b *InsightBot) notifyAdmins(ctx context.Context, n Notification) Notification {
	recipients := b.adminRecipients(ctx)
	n.Recipients = len(recipients)
	embed := notificationEmbed(n)

	for _, userID := range recipients {
		channel, err := b.discord.session.UserChannelCreate(userID)
		if err != nil {
			b.logger.Warn(
				"error creating dm channel",
				"user_id", userID,
				tint.Err(err),
			)
			n.Failed++
			continue
		}
		if _, err = b.discord.session.ChannelMessageSendEmbed(
			channel.ID,
			embed,
		); err != nil {
			n.Failed++
			continue
		}
		n.Delivered++
	}

	if err := b.db.LogNotification(ctx, &n); err != nil {
		b.logger.Error("error recording notification", tint.Err(err))
	}
	return n
}

// recordAIError writes an APIError row for a failed AI call. Storage
// failures are logged and swallowed so the user-facing reply is never
// blocked.
func (b *InsightBot) recordAIError(
	ctx context.Context,
	aiErr *AIError,
	endpoint string,
	userID string,
) {
	record := &APIError{
		ErrorType: string(aiErr.Kind),
		Severity:  aiErr.Kind.Severity(),
		Message:   truncate(aiErr.Error(), 500),
		Endpoint:  endpoint,
		UserID:    userID,
	}
	if err := b.db.LogAPIError(ctx, record); err != nil {
		b.logger.Error("error recording api error", tint.Err(err))
	}
}

// answerQuestion runs the full question pipeline: AI call, question
// logging on success, API error logging on failure, and a user-facing
// reply either way.
func (b *InsightBot) answerQuestion(
	ctx context.Context,
	req *Request,
) *Reply {
	answer, err := b.ai.Answer(ctx, req.Question, req.ImageURL)
	if err != nil {
		aiErr := classifyAIError(err)
		b.recordAIError(ctx, aiErr, "chat_completion", req.UserID)
		return embedReply(errorEmbed(b.config.Discord.ErrorMessage))
	}

	q := &Question{
		UserID:         req.UserID,
		Username:       req.Username,
		ChannelID:      req.ChannelID,
		GuildID:        req.GuildID,
		Question:       req.Question,
		Answer:         shortenString(answer.Text, 4000),
		HasImage:       req.ImageURL != "",
		ResponseTimeMS: answer.Elapsed.Milliseconds(),
	}
	if logErr := b.db.LogQuestion(ctx, q); logErr != nil {
		b.logger.Error("error recording question", tint.Err(logErr))
	}

	question := req.Question
	if question == "" && req.ImageURL != "" {
		question = "(screenshot diagnosis)"
	}
	return embedReply(answerEmbed(question, answer))
}

func (b *InsightBot) handleReady(
	_ *discordgo.Session,
	r *discordgo.Ready,
) {
	b.discord.connected.Store(true)
	b.logger.Info(
		"discord ready",
		"username", r.User.Username,
		"session_id", r.SessionID,
	)
}

// handleInteraction handles slash command interactions: deferred ack,
// dispatch through the router, then edit in the reply.
func (b *InsightBot) handleInteraction(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	req := b.requestFromInteraction(i)
	if req == nil {
		return
	}

	ctx := WithLogger(
		context.Background(),
		b.logger.With(
			"command", req.Command,
			"user_id", req.UserID,
			"interaction_id", i.ID,
		),
	)

	var ackFlags discordgo.MessageFlags
	if commandPermission(req.Command) != PermissionEveryone {
		ackFlags = discordgo.MessageFlagsEphemeral
	}
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: ackFlags},
		},
	)
	if err != nil {
		b.logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	reply := b.router.Dispatch(ctx, req)
	if reply == nil {
		reply = embedReply(errorEmbed(b.config.Discord.ErrorMessage))
	}

	edit := &discordgo.WebhookEdit{}
	if reply.Content != "" {
		edit.Content = &reply.Content
	}
	if len(reply.Embeds) > 0 {
		edit.Embeds = &reply.Embeds
	}
	if _, err = b.discord.session.InteractionResponseEdit(
		i.Interaction,
		edit,
	); err != nil {
		b.logger.Error("error editing interaction response", tint.Err(err))
	}
}

// requestFromInteraction converts an interaction into the internal
// Request. Returns nil for interactions the bot doesn't handle.
func (b *InsightBot) requestFromInteraction(
	i *discordgo.InteractionCreate,
) *Request {
	data := i.ApplicationCommandData()
	var user *discordgo.User
	switch {
	case i.Member != nil && i.Member.User != nil:
		user = i.Member.User
	case i.User != nil:
		user = i.User
	default:
		return nil
	}

	req := &Request{
		Kind:      TriggerCommand,
		Command:   data.Name,
		UserID:    user.ID,
		Username:  user.Username,
		ChannelID: i.ChannelID,
		GuildID:   i.GuildID,
	}

	options := discordInteractionOptions(i)
	if opt, ok := options[questionOption]; ok {
		req.Question = opt.StringValue()
	}
	if opt, ok := options[queryOption]; ok {
		req.Query = opt.StringValue()
	}
	if opt, ok := options[codeOption]; ok {
		req.Query = opt.StringValue()
	}
	if opt, ok := options[nameOption]; ok {
		req.Query = opt.StringValue()
	}
	if opt, ok := options[keywordOption]; ok {
		req.Keyword = opt.StringValue()
	}
	if opt, ok := options[responseOption]; ok {
		req.Response = opt.StringValue()
	}
	if opt, ok := options[messageOption]; ok {
		req.Message = opt.StringValue()
	}
	if opt, ok := options[daysOption]; ok {
		req.Days = int(opt.IntValue())
	}
	if opt, ok := options[limitOption]; ok {
		req.Limit = int(opt.IntValue())
	}
	if opt, ok := options[hoursOption]; ok {
		req.Hours = int(opt.IntValue())
	}
	if opt, ok := options[userOption]; ok {
		if target := opt.UserValue(nil); target != nil {
			req.TargetID = target.ID
			req.TargetTag = target.Username
		}
	}
	if opt, ok := options[imageOption]; ok {
		attachmentID, isString := opt.Value.(string)
		if isString && data.Resolved != nil {
			if attachment, found := data.Resolved.Attachments[attachmentID]; found {
				req.ImageURL = attachment.URL
			}
		}
	}

	return req
}

// handleMessageCreate is the passive trigger path. Bot/self messages,
// command-prefixed messages, disallowed channels, and already-seen
// message IDs are filtered before any trigger is evaluated.
func (b *InsightBot) handleMessageCreate(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if !b.config.AutoReplyEnabled {
		return
	}
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s != nil && s.State != nil && s.State.User != nil &&
		m.Author.ID == s.State.User.ID {
		return
	}
	if hasCommandPrefix(m.Content) {
		return
	}
	if !channelAllowed(m.ChannelID, b.config.MonitorChannels) {
		return
	}
	if b.seen.Seen(m.ID) {
		return
	}

	ctx := WithLogger(
		context.Background(),
		b.logger.With(
			"message_id", m.ID,
			"user_id", m.Author.ID,
			"channel_id", m.ChannelID,
		),
	)

	var reply *Reply

	if imageURL := firstImageAttachment(m.Message); imageURL != "" &&
		helpPhrasePattern.MatchString(m.Content) {
		reply = b.router.Dispatch(
			ctx, &Request{
				Kind:      TriggerImage,
				Command:   SlashCommandDiagnose,
				UserID:    m.Author.ID,
				Username:  m.Author.Username,
				ChannelID: m.ChannelID,
				GuildID:   m.GuildID,
				Question:  m.Content,
				ImageURL:  imageURL,
			},
		)
	} else if b.config.KeywordTriggerEnabled {
		if kw := b.matchStoredKeyword(m.Content); kw != nil {
			if err := b.db.IncrementKeywordTrigger(
				ctx,
				kw.Keyword,
			); err != nil {
				b.logger.Warn(
					"error incrementing keyword trigger",
					tint.Err(err),
				)
			}
			reply = embedReply(
				successEmbed(kw.Keyword, kw.Response),
			)
		} else if matched := matchKeyword(
			m.Content,
			b.config.TriggerKeywords,
		); matched != "" {
			reply = b.router.Dispatch(
				ctx, &Request{
					Kind:      TriggerKeyword,
					Command:   SlashCommandAsk,
					UserID:    m.Author.ID,
					Username:  m.Author.Username,
					ChannelID: m.ChannelID,
					GuildID:   m.GuildID,
					Question:  m.Content,
					Keyword:   matched,
				},
			)
		}
	}

	if reply == nil || len(reply.Embeds) == 0 {
		return
	}

	if _, err := b.discord.session.ChannelMessageSendEmbedReply(
		m.ChannelID,
		reply.Embeds[0],
		m.Reference(),
	); err != nil {
		b.logger.Error("error sending passive reply", tint.Err(err))
	}
}
