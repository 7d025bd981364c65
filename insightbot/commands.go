package insightbot

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/lmittmann/tint"
)

// commandPermissions maps each slash command to its required tier.
var commandPermissions = map[string]Permission{
	SlashCommandAsk:      PermissionEveryone,
	SlashCommandDiagnose: PermissionEveryone,
	SlashCommandSearchKB: PermissionEveryone,
	SlashCommandErrHelp:  PermissionEveryone,
	SlashCommandQuickFix: PermissionEveryone,
	SlashCommandHelpST:   PermissionEveryone,

	SlashCommandStatus:        PermissionAdmin,
	SlashCommandSystemInfo:    PermissionAdmin,
	SlashCommandAPIErrors:     PermissionAdmin,
	SlashCommandNotifyHistory: PermissionAdmin,
	SlashCommandTestNotify:    PermissionAdmin,
	SlashCommandReload:        PermissionAdmin,
	SlashCommandCleanupDB:     PermissionAdmin,
	SlashCommandUserStats:     PermissionAdmin,
	SlashCommandRecent:        PermissionAdmin,
	SlashCommandKeywordAdd:    PermissionAdmin,
	SlashCommandKeywordRemove: PermissionAdmin,
	SlashCommandKeywordList:   PermissionAdmin,
	SlashCommandKeywordSearch: PermissionAdmin,
	SlashCommandKeywordStats:  PermissionAdmin,
	SlashCommandKeywordToggle: PermissionAdmin,
	SlashCommandAdminList:     PermissionAdmin,

	SlashCommandAdminAdd:    PermissionSuperAdmin,
	SlashCommandAdminRemove: PermissionSuperAdmin,
}

func commandPermission(command string) Permission {
	return commandPermissions[command]
}

func (b *InsightBot) registerRoutes() {
	handlers := map[string]commandHandler{
		SlashCommandAsk:      b.cmdAsk,
		SlashCommandDiagnose: b.cmdDiagnose,
		SlashCommandSearchKB: b.cmdSearchKB,
		SlashCommandErrHelp:  b.cmdErrorHelp,
		SlashCommandQuickFix: b.cmdQuickFix,
		SlashCommandHelpST:   b.cmdHelpST,

		SlashCommandStatus:        b.cmdStatus,
		SlashCommandSystemInfo:    b.cmdSystemInfo,
		SlashCommandAPIErrors:     b.cmdAPIErrors,
		SlashCommandNotifyHistory: b.cmdNotificationHistory,
		SlashCommandTestNotify:    b.cmdTestNotification,
		SlashCommandReload:        b.cmdReload,
		SlashCommandCleanupDB:     b.cmdCleanupDB,
		SlashCommandUserStats:     b.cmdUserStats,
		SlashCommandRecent:        b.cmdRecentQuestions,

		SlashCommandKeywordAdd:    b.cmdKeywordAdd,
		SlashCommandKeywordRemove: b.cmdKeywordRemove,
		SlashCommandKeywordList:   b.cmdKeywordList,
		SlashCommandKeywordSearch: b.cmdKeywordSearch,
		SlashCommandKeywordStats:  b.cmdKeywordStats,
		SlashCommandKeywordToggle: b.cmdKeywordToggle,

		SlashCommandAdminList:   b.cmdAdminList,
		SlashCommandAdminAdd:    b.cmdAdminAdd,
		SlashCommandAdminRemove: b.cmdAdminRemove,
	}
	for command, handler := range handlers {
		b.router.handle(command, commandPermissions[command], handler)
	}
}

func (b *InsightBot) cmdAsk(ctx context.Context, req *Request) *Reply {
	return b.answerQuestion(ctx, req)
}

func (b *InsightBot) cmdDiagnose(ctx context.Context, req *Request) *Reply {
	if req.ImageURL == "" {
		return embedReply(errorEmbed("No image attached."))
	}
	return b.answerQuestion(ctx, req)
}

func (b *InsightBot) cmdSearchKB(_ context.Context, req *Request) *Reply {
	results := b.KnowledgeBase().Lookup(req.Query)
	return embedReply(kbSearchEmbed(req.Query, results))
}

func (b *InsightBot) cmdErrorHelp(_ context.Context, req *Request) *Reply {
	result := b.KnowledgeBase().ErrorHelp(req.Query)
	if result == nil {
		return embedReply(
			errorEmbed(
				fmt.Sprintf("No help found for %q.", truncate(req.Query, 64)),
			),
		)
	}
	return embedReply(kbResultEmbed(*result))
}

func (b *InsightBot) cmdQuickFix(_ context.Context, req *Request) *Reply {
	result := b.KnowledgeBase().QuickFix(req.Query)
	if result == nil {
		return embedReply(
			errorEmbed(
				fmt.Sprintf("No quick fix named %q.", truncate(req.Query, 64)),
			),
		)
	}
	return embedReply(kbResultEmbed(*result))
}

func (b *InsightBot) cmdHelpST(_ context.Context, _ *Request) *Reply {
	return embedReply(resourcesEmbed(b.KnowledgeBase().Resources))
}

func (b *InsightBot) cmdStatus(_ context.Context, _ *Request) *Reply {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(b.started).Round(time.Second)
	description := fmt.Sprintf(
		"Version: %s\nUptime: %s\nConnected: %t\nGoroutines: %d\nHeap: %d MiB",
		Version,
		uptime,
		b.discord.connected.Load(),
		runtime.NumGoroutine(),
		memStats.HeapAlloc/1024/1024,
	)
	return ephemeralEmbedReply(successEmbed("Status", description))
}

func (b *InsightBot) cmdSystemInfo(ctx context.Context, _ *Request) *Reply {
	stats, err := b.db.SystemStats(ctx)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(systemStatsEmbed(stats, b.KnowledgeBase().Stats()))
}

func (b *InsightBot) cmdAPIErrors(ctx context.Context, req *Request) *Reply {
	hours := req.Hours
	if hours <= 0 {
		hours = 24
	}
	window := time.Duration(hours) * time.Hour
	stats, err := b.db.APIErrorStatistics(
		ctx,
		time.Now().UTC().Add(-window),
	)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(errorStatsEmbed(stats, window))
}

func (b *InsightBot) cmdNotificationHistory(
	ctx context.Context,
	req *Request,
) *Reply {
	notifications, err := b.db.NotificationHistory(ctx, req.Limit)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(notificationHistoryEmbed(notifications))
}

func (b *InsightBot) cmdTestNotification(
	ctx context.Context,
	req *Request,
) *Reply {
	content := req.Message
	if content == "" {
		content = "This is a test notification."
	}
	n := b.notifyAdmins(
		ctx, Notification{
			Type:     "test",
			Title:    "Test Notification",
			Content:  content,
			Severity: severityLow,
		},
	)
	return ephemeralEmbedReply(
		successEmbed(
			"Test notification sent",
			fmt.Sprintf(
				"Delivered to %d of %d admins (%d failed).",
				n.Delivered,
				n.Recipients,
				n.Failed,
			),
		),
	)
}

func (b *InsightBot) cmdReload(ctx context.Context, _ *Request) *Reply {
	if err := b.reloadKnowledgeBase(); err != nil {
		log, _ := ContextLogger(ctx)
		if log != nil {
			log.Error("knowledge base reload failed", tint.Err(err))
		}
		return ephemeralEmbedReply(
			errorEmbed("Knowledge base reload failed; keeping the current document."),
		)
	}
	if err := b.refreshKeywordCache(ctx); err != nil {
		return b.storeErrorReply(ctx, err)
	}
	stats := b.KnowledgeBase().Stats()
	return ephemeralEmbedReply(
		successEmbed(
			"Reloaded",
			fmt.Sprintf(
				"Knowledge base: %d categories, %d error codes, %d quick fixes.",
				stats.Categories,
				stats.ErrorCodes,
				stats.QuickFixes,
			),
		),
	)
}

func (b *InsightBot) cmdCleanupDB(ctx context.Context, req *Request) *Reply {
	days := req.Days
	if days <= 0 {
		days = b.config.RetentionDays
	}
	deleted, err := b.db.Cleanup(ctx, days)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(
		successEmbed(
			"Cleanup complete",
			fmt.Sprintf(
				"Deleted %d records older than %d days.",
				deleted,
				days,
			),
		),
	)
}

func (b *InsightBot) cmdUserStats(ctx context.Context, req *Request) *Reply {
	if req.TargetID == "" {
		return ephemeralEmbedReply(errorEmbed("No user specified."))
	}
	stats, err := b.db.UserStats(ctx, req.TargetID)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	if stats.Username == "" {
		stats.Username = req.TargetTag
	}
	return ephemeralEmbedReply(userStatsEmbed(stats))
}

func (b *InsightBot) cmdRecentQuestions(
	ctx context.Context,
	req *Request,
) *Reply {
	questions, err := b.db.RecentQuestions(ctx, req.Limit)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(recentQuestionsEmbed(questions))
}

func (b *InsightBot) cmdKeywordAdd(ctx context.Context, req *Request) *Reply {
	kw, err := b.db.AddKeyword(ctx, req.Keyword, req.Response, req.UserID)
	if err != nil {
		if errors.Is(err, ErrDuplicateKeyword) {
			return ephemeralEmbedReply(
				errorEmbed(
					fmt.Sprintf(
						"Keyword %q already exists.",
						truncate(req.Keyword, 64),
					),
				),
			)
		}
		return b.storeErrorReply(ctx, err)
	}
	if err = b.refreshKeywordCache(ctx); err != nil {
		b.logger.Warn("error refreshing keyword cache", tint.Err(err))
	}
	return ephemeralEmbedReply(
		successEmbed(
			"Keyword added",
			fmt.Sprintf("`%s` now triggers a reply.", kw.Keyword),
		),
	)
}

func (b *InsightBot) cmdKeywordRemove(
	ctx context.Context,
	req *Request,
) *Reply {
	err := b.db.RemoveKeyword(ctx, req.Keyword)
	if err != nil {
		if errors.Is(err, ErrKeywordNotFound) {
			return ephemeralEmbedReply(
				errorEmbed(
					fmt.Sprintf(
						"Keyword %q not found.",
						truncate(req.Keyword, 64),
					),
				),
			)
		}
		return b.storeErrorReply(ctx, err)
	}
	if err = b.refreshKeywordCache(ctx); err != nil {
		b.logger.Warn("error refreshing keyword cache", tint.Err(err))
	}
	return ephemeralEmbedReply(
		successEmbed(
			"Keyword removed",
			fmt.Sprintf("`%s` no longer triggers a reply.", req.Keyword),
		),
	)
}

func (b *InsightBot) cmdKeywordList(ctx context.Context, _ *Request) *Reply {
	keywords, err := b.db.ListKeywords(ctx)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(keywordListEmbed(keywords))
}

func (b *InsightBot) cmdKeywordSearch(
	ctx context.Context,
	req *Request,
) *Reply {
	keywords, err := b.db.SearchKeywords(ctx, req.Query)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(keywordListEmbed(keywords))
}

func (b *InsightBot) cmdKeywordStats(ctx context.Context, _ *Request) *Reply {
	stats, err := b.db.KeywordStats(ctx)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(keywordStatsEmbed(stats))
}

func (b *InsightBot) cmdKeywordToggle(
	ctx context.Context,
	req *Request,
) *Reply {
	kw, err := b.db.ToggleKeyword(ctx, req.Keyword)
	if err != nil {
		if errors.Is(err, ErrKeywordNotFound) {
			return ephemeralEmbedReply(
				errorEmbed(
					fmt.Sprintf(
						"Keyword %q not found.",
						truncate(req.Keyword, 64),
					),
				),
			)
		}
		return b.storeErrorReply(ctx, err)
	}
	if err = b.refreshKeywordCache(ctx); err != nil {
		b.logger.Warn("error refreshing keyword cache", tint.Err(err))
	}
	state := "disabled"
	if kw.Enabled {
		state = "enabled"
	}
	return ephemeralEmbedReply(
		successEmbed(
			"Keyword toggled",
			fmt.Sprintf("`%s` is now %s.", kw.Keyword, state),
		),
	)
}

func (b *InsightBot) cmdAdminList(ctx context.Context, _ *Request) *Reply {
	admins, err := b.db.ListAdmins(ctx)
	if err != nil {
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(adminListEmbed(b.config.SuperAdmins, admins))
}

func (b *InsightBot) cmdAdminAdd(ctx context.Context, req *Request) *Reply {
	if req.TargetID == "" {
		return ephemeralEmbedReply(errorEmbed("No user specified."))
	}
	if b.isSuperAdmin(req.TargetID) {
		return ephemeralEmbedReply(
			errorEmbed("That user is already a super admin."),
		)
	}
	_, err := b.db.AddAdmin(ctx, req.TargetID, req.TargetTag, req.UserID)
	if err != nil {
		if errors.Is(err, ErrDuplicateAdmin) {
			return ephemeralEmbedReply(
				errorEmbed("That user is already an admin."),
			)
		}
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(
		successEmbed(
			"Admin added",
			fmt.Sprintf("<@%s> is now an admin.", req.TargetID),
		),
	)
}

func (b *InsightBot) cmdAdminRemove(ctx context.Context, req *Request) *Reply {
	if req.TargetID == "" {
		return ephemeralEmbedReply(errorEmbed("No user specified."))
	}
	// Super admins come from config and can't be removed at runtime.
	if b.isSuperAdmin(req.TargetID) {
		return ephemeralEmbedReply(
			errorEmbed("Super admins are configured in the config file and can't be removed here."),
		)
	}
	err := b.db.RemoveAdmin(ctx, req.TargetID)
	if err != nil {
		if errors.Is(err, ErrAdminNotFound) {
			return ephemeralEmbedReply(
				errorEmbed("That user is not an admin."),
			)
		}
		return b.storeErrorReply(ctx, err)
	}
	return ephemeralEmbedReply(
		successEmbed(
			"Admin removed",
			fmt.Sprintf("<@%s> is no longer an admin.", req.TargetID),
		),
	)
}

// storeErrorReply logs a store failure and returns the generic error
// embed. Store failures are never shown to users verbatim.
func (b *InsightBot) storeErrorReply(ctx context.Context, err error) *Reply {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = b.logger
	}
	log.Error("store operation failed", tint.Err(err))
	return ephemeralEmbedReply(errorEmbed(b.config.Discord.ErrorMessage))
}
