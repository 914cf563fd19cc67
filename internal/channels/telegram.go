package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hollowlog/parley/internal/conversation"
	"github.com/hollowlog/parley/internal/engine"
	"github.com/hollowlog/parley/internal/refchain"
)

// telegramMaxMessage is the hard length limit Telegram enforces per message.
const telegramMaxMessage = 4096

const (
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes, the connection is likely dead (the library blocks rather than
	// closing the channel).
	pollStallTimeout = 150 * time.Second

	maxReconnectBackoff = 30 * time.Second
)

// Conversationalist is the slice of the engine the channel drives.
type Conversationalist interface {
	HandleInbound(ctx context.Context, in engine.Inbound) (engine.Reply, error)
	Clear(ctx context.Context, identity string) bool
}

// TelegramChannel implements the Channel interface for Telegram. It maps
// updates to inbound messages, seeds the reply-chain cache from what it sees
// on the wire, and sends the engine's replies back.
type TelegramChannel struct {
	token        string
	allowedIDs   map[int64]struct{}
	blendedChats map[int64]struct{}
	conv         Conversationalist
	resolver     *refchain.Resolver
	logger       *slog.Logger
	bot          *tgbotapi.BotAPI
	botID        int64
}

// NewTelegramChannel creates a new Telegram channel. Chats listed in
// blendedChats share one conversation with per-user attribution; everything
// else is treated as a direct message.
func NewTelegramChannel(token string, allowedIDs []int64, blendedChats []int64, conv Conversationalist, resolver *refchain.Resolver, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	blended := make(map[int64]struct{})
	for _, id := range blendedChats {
		blended[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		blendedChats: blended,
		conv:         conv,
		resolver:     resolver,
		logger:       logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.botID = t.bot.Self.ID

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		started := time.Now()
		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			backoff = reconnectDelay(backoff, time.Since(started))
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// reconnectDelay picks the wait before the next poll attempt. A session that
// outlived the stall timeout was a healthy connection, so the delay restarts
// at one second instead of keeping a doubled value from an earlier outage.
func reconnectDelay(prev, session time.Duration) time.Duration {
	if session > pollStallTimeout {
		return time.Second
	}
	return prev
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(pollStallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pollStallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", pollStallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	in := t.buildInbound(msg, content)

	if msg.IsCommand() {
		t.handleCommand(ctx, msg, in.Identity)
		return
	}

	t.observe(msg, in)

	reply, err := t.conv.HandleInbound(ctx, in)
	if err != nil {
		t.logger.Error("inbound handling failed", "identity", in.Identity, "error", err)
		t.reply(msg.Chat.ID, msg.MessageID, "Sorry, I can't answer right now.")
		return
	}
	if reply.Text == "" {
		return
	}
	t.reply(msg.Chat.ID, msg.MessageID, reply.Text)
}

// buildInbound maps a Telegram message to the engine's inbound shape. Blended
// chats key the conversation by chat; direct messages key it by sender.
func (t *TelegramChannel) buildInbound(msg *tgbotapi.Message, content string) engine.Inbound {
	_, blended := t.blendedChats[msg.Chat.ID]

	identity := fmt.Sprintf("telegram-%d", msg.From.ID)
	if blended {
		identity = fmt.Sprintf("telegram-chat-%d", msg.Chat.ID)
	}

	var replyTo string
	if msg.ReplyToMessage != nil {
		replyTo = externalID(msg.Chat.ID, msg.ReplyToMessage.MessageID)
	}

	return engine.Inbound{
		Identity: identity,
		Blended:  blended,
		ReplyTo:  replyTo,
		Message: conversation.Message{
			Role:       conversation.RoleUser,
			Content:    content,
			Author:     authorName(msg.From),
			ExternalID: externalID(msg.Chat.ID, msg.MessageID),
			Timestamp:  msg.Time(),
		},
	}
}

// observe seeds the reply-chain cache with the inbound message and, when the
// update carries it inline, the message it replies to. The Bot API cannot
// fetch arbitrary messages by id, so observed messages are the only way
// chains resolve.
func (t *TelegramChannel) observe(msg *tgbotapi.Message, in engine.Inbound) {
	if t.resolver == nil {
		return
	}
	t.resolver.Observe(refchain.Linked{Msg: in.Message, ReplyTo: in.ReplyTo})

	parent := msg.ReplyToMessage
	if parent == nil || parent.From == nil {
		return
	}
	role := conversation.RoleUser
	if parent.From.ID == t.botID {
		role = conversation.RoleAssistant
	}
	var grandparent string
	if parent.ReplyToMessage != nil {
		grandparent = externalID(msg.Chat.ID, parent.ReplyToMessage.MessageID)
	}
	t.resolver.Observe(refchain.Linked{
		Msg: conversation.Message{
			Role:       role,
			Content:    parent.Text,
			Author:     authorName(parent.From),
			ExternalID: externalID(msg.Chat.ID, parent.MessageID),
			Timestamp:  parent.Time(),
		},
		ReplyTo: grandparent,
	})
}

func (t *TelegramChannel) handleCommand(ctx context.Context, msg *tgbotapi.Message, identity string) {
	switch msg.Command() {
	case "start":
		t.reply(msg.Chat.ID, 0, "Hello! Send me a message and I'll keep track of the conversation.")
	case "clear":
		if t.conv.Clear(ctx, identity) {
			t.reply(msg.Chat.ID, msg.MessageID, "Conversation cleared.")
		} else {
			t.reply(msg.Chat.ID, msg.MessageID, "Nothing to clear.")
		}
	default:
		t.reply(msg.Chat.ID, msg.MessageID, fmt.Sprintf("Unknown command: /%s", msg.Command()))
	}
}

// reply sends text back to the chat, split into chunks under Telegram's
// per-message limit. replyTo of 0 sends a plain message.
func (t *TelegramChannel) reply(chatID int64, replyTo int, text string) {
	for i, chunk := range splitMessage(text, telegramMaxMessage) {
		out := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyTo != 0 {
			out.ReplyToMessageID = replyTo
		}
		if _, err := t.bot.Send(out); err != nil {
			t.logger.Error("failed to send telegram reply", "error", err)
			return
		}
	}
}

// Fetch implements refchain.Fetcher. The Bot API has no message-by-id lookup,
// so resolution beyond the observed cache always truncates here.
func (t *TelegramChannel) Fetch(_ context.Context, externalID string) (refchain.Linked, error) {
	return refchain.Linked{}, fmt.Errorf("telegram cannot fetch message %s by id", externalID)
}

// externalID builds the stable id for a message: chat id plus message id,
// since Telegram message ids are only unique within a chat.
func externalID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func authorName(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	if user.UserName != "" {
		return user.UserName
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

// splitMessage cuts text into chunks of at most limit runes, preferring to
// break at a newline near the limit.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
