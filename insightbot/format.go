package insightbot

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	embedColorAnswer  = 0x5865f2
	embedColorError   = 0xed4245
	embedColorSuccess = 0x57f287
	embedColorInfo    = 0xfee75c
	embedColorKB      = 0xeb459e

	embedFieldValueMaxLength = 1024
	embedQuestionMaxLength   = 256
)

// answerEmbed builds the embed for a successful AI answer. The answer
// text is chunked across fields to stay under Discord's per-field
// limit, and the elapsed time is reported in the footer.
func answerEmbed(question string, answer *Answer) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "SillyTavern Help",
		Color: embedColorAnswer,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "Question",
				Value: truncate(question, embedQuestionMaxLength),
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"Answered in %.1fs",
				answer.Elapsed.Seconds(),
			),
		},
	}

	chunks := chunkString(answer.Text, embedFieldValueMaxLength)
	for i, chunk := range chunks {
		name := "Answer"
		if i > 0 {
			name = "​" // zero-width space; continuation field
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  name,
				Value: chunk,
			},
		)
	}
	return embed
}

// errorEmbed is the generic user-facing failure embed. It never
// includes the underlying error.
func errorEmbed(message string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Something went wrong",
		Description: message,
		Color:       embedColorError,
	}
}

func successEmbed(title string, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       embedColorSuccess,
	}
}

func permissionDeniedEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Permission denied",
		Description: "You don't have permission to use this command.",
		Color:       embedColorError,
	}
}

// kbResultEmbed formats one knowledge base match. Steps render as an
// ordered list, solutions as bullets.
func kbResultEmbed(result KBResult) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: result.Name,
		Color: embedColorKB,
	}
	if result.Description != "" {
		embed.Description = result.Description
	}

	if len(result.Solutions) > 0 {
		var b strings.Builder
		for _, s := range result.Solutions {
			b.WriteString("• ")
			b.WriteString(s)
			b.WriteString("\n")
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Solutions",
				Value: truncate(strings.TrimRight(b.String(), "\n"), embedFieldValueMaxLength),
			},
		)
	}

	if len(result.Steps) > 0 {
		var b strings.Builder
		for i, s := range result.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Steps",
				Value: truncate(strings.TrimRight(b.String(), "\n"), embedFieldValueMaxLength),
			},
		)
	}

	return embed
}

// kbSearchEmbed summarizes multiple knowledge base matches.
func kbSearchEmbed(query string, results []KBResult) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Knowledge base: %q", truncate(query, 64)),
		Color: embedColorKB,
	}
	if len(results) == 0 {
		embed.Description = "No matches found."
		return embed
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "**%s** (%s)", r.Name, r.Kind)
		if r.Description != "" {
			fmt.Fprintf(&b, " — %s", truncate(r.Description, 100))
		}
		b.WriteString("\n")
	}
	embed.Description = truncate(strings.TrimRight(b.String(), "\n"), 4000)
	return embed
}

func resourcesEmbed(resources map[string]string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "SillyTavern Resources",
		Color: embedColorInfo,
	}
	var b strings.Builder
	for _, name := range sortedKeys(resources) {
		fmt.Fprintf(&b, "[%s](%s)\n", name, resources[name])
	}
	embed.Description = strings.TrimRight(b.String(), "\n")
	if embed.Description == "" {
		embed.Description = "No resources configured."
	}
	return embed
}

func errorStatsEmbed(stats *ErrorStatistics, window time.Duration) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "API Error Statistics",
		Description: fmt.Sprintf(
			"**%d** total errors in the last %s",
			stats.TotalErrors,
			window,
		),
		Color: embedColorInfo,
	}

	if len(stats.ByType) > 0 {
		var b strings.Builder
		for _, g := range stats.ByType {
			fmt.Fprintf(
				&b, "`%s`: %d occurrences (%d records)\n",
				g.Key, g.TotalCount, g.RecordCount,
			)
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "By type",
				Value: truncate(strings.TrimRight(b.String(), "\n"), embedFieldValueMaxLength),
			},
		)
	}

	if len(stats.BySeverity) > 0 {
		var b strings.Builder
		for _, g := range stats.BySeverity {
			fmt.Fprintf(
				&b, "`%s`: %d occurrences (%d records)\n",
				g.Key, g.TotalCount, g.RecordCount,
			)
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "By severity",
				Value: truncate(strings.TrimRight(b.String(), "\n"), embedFieldValueMaxLength),
			},
		)
	}

	return embed
}

func systemStatsEmbed(stats *SystemStats, kbStats KBStats) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "System Info",
		Color: embedColorInfo,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "Questions",
				Value: fmt.Sprintf(
					"Total: %d\nToday: %d\nWith images: %d\nDistinct users: %d",
					stats.TotalQuestions,
					stats.QuestionsToday,
					stats.ImageQuestions,
					stats.DistinctUsers,
				),
				Inline: true,
			},
			{
				Name: "Performance",
				Value: fmt.Sprintf(
					"Avg response: %.0fms\nAPI errors: %d",
					stats.AvgResponseTimeMS,
					stats.TotalAPIErrors,
				),
				Inline: true,
			},
			{
				Name: "Knowledge base",
				Value: fmt.Sprintf(
					"Categories: %d\nError codes: %d\nQuick fixes: %d\nResources: %d",
					kbStats.Categories,
					kbStats.ErrorCodes,
					kbStats.QuickFixes,
					kbStats.Resources,
				),
				Inline: true,
			},
		},
	}
}

func userStatsEmbed(stats *UserStats) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("User stats: %s", stats.UserID),
		Color: embedColorInfo,
	}
	if stats.Username != "" {
		embed.Title = fmt.Sprintf("User stats: %s", stats.Username)
	}
	if stats.TotalQuestions == 0 {
		embed.Description = "No questions recorded for this user."
		return embed
	}
	embed.Fields = append(
		embed.Fields, &discordgo.MessageEmbedField{
			Name: "Activity",
			Value: fmt.Sprintf(
				"Questions: %d\nWith images: %d\nAvg response: %.0fms",
				stats.TotalQuestions,
				stats.ImageQuestions,
				stats.AvgResponseTimeMS,
			),
		},
	)
	if len(stats.RecentQuestions) > 0 {
		var b strings.Builder
		for _, q := range stats.RecentQuestions {
			b.WriteString("• ")
			b.WriteString(q)
			b.WriteString("\n")
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Recent questions",
				Value: truncate(strings.TrimRight(b.String(), "\n"), embedFieldValueMaxLength),
			},
		)
	}
	return embed
}

func keywordListEmbed(keywords []Keyword) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Keywords",
		Color: embedColorInfo,
	}
	if len(keywords) == 0 {
		embed.Description = "No keywords configured."
		return embed
	}
	var b strings.Builder
	for _, kw := range keywords {
		state := "enabled"
		if !kw.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(
			&b, "`%s` (%s, %d triggers)\n",
			kw.Keyword, state, kw.TriggerCount,
		)
	}
	embed.Description = truncate(strings.TrimRight(b.String(), "\n"), 4000)
	return embed
}

func keywordStatsEmbed(stats *KeywordStatistics) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Keyword Statistics",
		Description: fmt.Sprintf(
			"Total: %d\nEnabled: %d\nTotal triggers: %d",
			stats.Total,
			stats.Enabled,
			stats.TotalTriggers,
		),
		Color: embedColorInfo,
	}
	if len(stats.MostTriggered) > 0 {
		var b strings.Builder
		for _, kw := range stats.MostTriggered {
			fmt.Fprintf(&b, "`%s`: %d\n", kw.Keyword, kw.TriggerCount)
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Most triggered",
				Value: truncate(strings.TrimRight(b.String(), "\n"), embedFieldValueMaxLength),
			},
		)
	}
	return embed
}

func recentQuestionsEmbed(questions []Question) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Recent Questions",
		Color: embedColorInfo,
	}
	if len(questions) == 0 {
		embed.Description = "No questions recorded."
		return embed
	}
	var b strings.Builder
	for _, q := range questions {
		marker := ""
		if q.HasImage {
			marker = " 🖼"
		}
		fmt.Fprintf(
			&b, "**%s**%s: %s\n",
			q.Username, marker, truncate(q.Question, 100),
		)
	}
	embed.Description = truncate(strings.TrimRight(b.String(), "\n"), 4000)
	return embed
}

func adminListEmbed(superAdmins []string, admins []AdminUser) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Admins",
		Color: embedColorInfo,
	}
	if len(superAdmins) > 0 {
		var b strings.Builder
		for _, id := range superAdmins {
			fmt.Fprintf(&b, "<@%s>\n", id)
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Super admins (config)",
				Value: strings.TrimRight(b.String(), "\n"),
			},
		)
	}
	if len(admins) > 0 {
		var b strings.Builder
		for _, a := range admins {
			fmt.Fprintf(&b, "<@%s> (granted by <@%s>)\n", a.UserID, a.GrantedBy)
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Admins (store)",
				Value: truncate(strings.TrimRight(b.String(), "\n"), embedFieldValueMaxLength),
			},
		)
	}
	if len(embed.Fields) == 0 {
		embed.Description = "No admins configured."
	}
	return embed
}

func notificationHistoryEmbed(notifications []Notification) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Notification History",
		Color: embedColorInfo,
	}
	if len(notifications) == 0 {
		embed.Description = "No notifications recorded."
		return embed
	}
	var b strings.Builder
	for _, n := range notifications {
		fmt.Fprintf(
			&b, "[%s/%s] **%s** — delivered %d/%d\n",
			n.Type, n.Severity, n.Title, n.Delivered, n.Recipients,
		)
	}
	embed.Description = truncate(strings.TrimRight(b.String(), "\n"), 4000)
	return embed
}

func notificationEmbed(n Notification) *discordgo.MessageEmbed {
	color := embedColorInfo
	switch n.Severity {
	case severityCritical, severityHigh:
		color = embedColorError
	case severityLow:
		color = embedColorSuccess
	}
	return &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Content,
		Color:       color,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%s / %s", n.Type, n.Severity),
		},
	}
}
