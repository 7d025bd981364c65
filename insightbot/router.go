package insightbot

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// TriggerKind identifies how a request entered the bot.
type TriggerKind string

const (
	TriggerCommand TriggerKind = "command"
	TriggerKeyword TriggerKind = "keyword"
	TriggerImage   TriggerKind = "image"
)

// Permission is the access tier required to run a command.
type Permission int

const (
	PermissionEveryone Permission = iota
	PermissionAdmin
	PermissionSuperAdmin
)

// Request is the single internal representation of an incoming event,
// whether it arrived as a slash command or a passive message trigger.
type Request struct {
	Kind      TriggerKind
	Command   string
	UserID    string
	Username  string
	ChannelID string
	GuildID   string
	Question  string
	ImageURL  string
	Query     string
	Keyword   string
	Response  string
	Message   string
	Days      int
	Limit     int
	Hours     int
	TargetID  string
	TargetTag string
}

// Reply is what a command handler produces. Ephemeral only applies to
// interaction responses.
type Reply struct {
	Content   string
	Embeds    []*discordgo.MessageEmbed
	Ephemeral bool
}

func embedReply(embeds ...*discordgo.MessageEmbed) *Reply {
	return &Reply{Embeds: embeds}
}

func ephemeralEmbedReply(embeds ...*discordgo.MessageEmbed) *Reply {
	return &Reply{Embeds: embeds, Ephemeral: true}
}

type commandHandler func(ctx context.Context, req *Request) *Reply

type route struct {
	permission Permission
	handler    commandHandler
}

// commandPrefixes mark messages meant for other bots; the passive
// trigger path skips them.
var commandPrefixes = []string{"/", "!", "?", "."}

// helpPhrasePattern detects whether a message with an image attachment
// is actually asking for help, rather than just sharing a screenshot.
var helpPhrasePattern = regexp.MustCompile(
	`(?i)\b(help|error|issue|problem|broken|fix|wrong|fail|crash|stuck|why)\b`,
)

// imageContentTypes are the attachment content types the diagnose
// trigger accepts.
var imageContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

const seenMessageCacheMax = 1000

// seenMessages prevents double-handling the same message ID when
// gateway events are redelivered.
type seenMessages struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
}

func newSeenMessages() *seenMessages {
	return &seenMessages{ids: map[string]struct{}{}}
}

// Seen marks the ID and reports whether it had been seen before.
// The cache is bounded; the oldest entries are evicted first.
func (s *seenMessages) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return true
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > seenMessageCacheMax {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, evict)
	}
	return false
}

// Router maps commands to handlers and runs permission checks. It is
// built once at startup and is safe for concurrent dispatch.
type Router struct {
	routes       map[string]route
	isAdmin      func(ctx context.Context, userID string) bool
	isSuperAdmin func(userID string) bool
}

func newRouter(
	isAdmin func(ctx context.Context, userID string) bool,
	isSuperAdmin func(userID string) bool,
) *Router {
	return &Router{
		routes:       map[string]route{},
		isAdmin:      isAdmin,
		isSuperAdmin: isSuperAdmin,
	}
}

func (r *Router) handle(
	command string,
	permission Permission,
	handler commandHandler,
) {
	r.routes[command] = route{permission: permission, handler: handler}
}

// Dispatch routes the request to its handler. Unknown commands are a
// no-op (nil reply). A permission failure returns a user-visible
// denial; it is not an API error and is never recorded as one.
func (r *Router) Dispatch(ctx context.Context, req *Request) *Reply {
	rt, ok := r.routes[req.Command]
	if !ok {
		return nil
	}

	switch rt.permission {
	case PermissionAdmin:
		if !r.isAdmin(ctx, req.UserID) {
			return ephemeralEmbedReply(permissionDeniedEmbed())
		}
	case PermissionSuperAdmin:
		if !r.isSuperAdmin(req.UserID) {
			return ephemeralEmbedReply(permissionDeniedEmbed())
		}
	}

	return rt.handler(ctx, req)
}

// matchKeyword returns the first keyword (from the configured defaults
// plus enabled stored keywords) found as a case-insensitive substring
// of the message, or "".
func matchKeyword(content string, keywords []string) string {
	lowered := strings.ToLower(content)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

// firstImageAttachment returns the URL of the first image attachment,
// or "".
func firstImageAttachment(m *discordgo.Message) string {
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		if imageContentTypes[strings.ToLower(a.ContentType)] {
			return a.URL
		}
	}
	return ""
}

// hasCommandPrefix reports whether the message starts with a prefix
// used to address bots.
func hasCommandPrefix(content string) bool {
	trimmed := strings.TrimSpace(content)
	for _, p := range commandPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// channelAllowed reports whether passive triggers may fire in the
// given channel. An empty allow-list permits all channels.
func channelAllowed(channelID string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == channelID {
			return true
		}
	}
	return false
}
