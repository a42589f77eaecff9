package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/app"
	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/billing"
	"github.com/xaenox/wwtd-bot/internal/completion"
	"github.com/xaenox/wwtd-bot/internal/models"
	"github.com/xaenox/wwtd-bot/internal/threads"
)

const (
	upgradeText = "You've used all of your free tokens. Subscribe with /subscribe to keep asking questions."
	busyText    = "I'm still answering your previous question. Please try again in a moment."
	retryText   = "Sorry, I couldn't answer that right now. Please try again."
)

// botAPI is the part of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	api          botAPI
	app          *app.App
	billing      *billing.Reconciler
	payments     *billing.MemoryQueue
	paymentToken string
	logger       *zap.Logger
	now          func() time.Time
}

func New(token string, a *app.App, reconciler *billing.Reconciler, payments *billing.MemoryQueue, paymentToken string, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return newBot(api, a, reconciler, payments, paymentToken, logger), nil
}

func newBot(api botAPI, a *app.App, reconciler *billing.Reconciler, payments *billing.MemoryQueue, paymentToken string, logger *zap.Logger) *Bot {
	return &Bot{
		api:          api,
		app:          a,
		billing:      reconciler,
		payments:     payments,
		paymentToken: paymentToken,
		logger:       logger,
		now:          time.Now,
	}
}

// Start receives updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		go b.handleUpdate(ctx, update)
	}

	return nil
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(update.PreCheckoutQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	if message.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, message)
		return
	}

	// Handle commands
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	query := message.Text
	if strings.TrimSpace(query) == "" {
		b.sendMessage(message.Chat.ID, "Please send your question as text.")
		return
	}

	session, err := b.session(ctx, message.From)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	if _, err := b.api.Request(tgbotapi.NewChatAction(message.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("Failed to send typing action", zap.Error(err))
	}

	session.Controller.SetDraft(query)
	result, err := session.Controller.Submit(ctx, query)
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		b.logger.Error("Failed to answer query",
			zap.Error(err),
			zap.String("kind", apperror.Kind(err)),
			zap.String("user_id", session.UserID))
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, result.Reply.Content)
	msg.ReplyToMessageID = message.MessageID
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send answer",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}

	b.sendSpeech(ctx, message, session.UserID, result.Reply.Content)
}

// sendSpeech follows a reply with a voice message when the user picked a
// voice.
func (b *Bot) sendSpeech(ctx context.Context, message *tgbotapi.Message, userID, text string) {
	audio, err := b.app.Speech(ctx, userID, text)
	if err != nil {
		b.logger.Error("Failed to synthesize reply",
			zap.Error(err),
			zap.String("user_id", userID))
		return
	}
	if audio == nil {
		return
	}

	voice := tgbotapi.NewVoice(message.Chat.ID, tgbotapi.FileBytes{Name: "reply.ogg", Bytes: audio})
	voice.ReplyToMessageID = message.MessageID
	if _, err := b.api.Send(voice); err != nil {
		b.logger.Error("Failed to send voice reply",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	case "new":
		b.handleNew(ctx, message)
	case "history":
		b.handleHistory(ctx, message)
	case "open":
		b.handleOpen(ctx, message)
	case "delete":
		b.handleDelete(ctx, message)
	case "balance":
		b.handleBalance(ctx, message)
	case "subscribe":
		b.handleSubscribe(ctx, message)
	case "restore":
		b.handleRestore(ctx, message)
	case "voice":
		b.handleVoice(ctx, message)
	case "deleteaccount":
		b.handleDeleteAccount(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	if _, err := b.session(ctx, message.From); err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	welcome := `Welcome! 🙏
Ask me anything and I'll answer with guidance from the teachings of Jesus Christ.

Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/new - Start a new conversation
/history - Show your conversations
/open <n> - Continue conversation number n
/delete <n> - Delete conversation number n
/balance - Show your remaining tokens
/subscribe [plan] - Show plans or subscribe
/restore - Restore your purchases
/voice [name|off] - Show or pick the voice for spoken replies
/deleteaccount - Delete your account and conversations

Any other message is treated as a question.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleNew(ctx context.Context, message *tgbotapi.Message) {
	session, err := b.session(ctx, message.From)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	if err := session.Controller.NewConversation(); err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.sendMessage(message.Chat.ID, "Started a new conversation. What's on your mind?")
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	session, err := b.session(ctx, message.From)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	sections := threads.GroupByDay(session.Threads(), b.now())
	if len(sections) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any conversations yet.")
		return
	}

	var response strings.Builder
	n := 0
	for _, section := range sections {
		response.WriteString("*" + escapeMarkdown(section.Label) + "*\n")
		for _, thread := range section.Threads {
			n++
			response.WriteString(escapeMarkdown(fmt.Sprintf("%d. %s", n, thread.PreviewMessage)) + "\n")
		}
		response.WriteString("\n")
	}
	response.WriteString(escapeMarkdown("Use /open <n> to continue a conversation."))

	msg := tgbotapi.NewMessage(message.Chat.ID, response.String())
	msg.ParseMode = "MarkdownV2"
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send history message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleOpen(ctx context.Context, message *tgbotapi.Message) {
	session, thread, ok := b.threadArgument(ctx, message)
	if !ok {
		return
	}

	if err := session.Controller.OpenThread(ctx, thread.ID); err != nil {
		b.logger.Error("Failed to open thread",
			zap.Error(err),
			zap.String("user_id", session.UserID),
			zap.String("thread_id", thread.ID))
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	text := "Continuing: " + thread.PreviewMessage
	msgs := session.Controller.Messages()
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		text += "\n\n" + last.Content
	}
	b.sendMessage(message.Chat.ID, text)
}

func (b *Bot) handleDelete(ctx context.Context, message *tgbotapi.Message) {
	session, thread, ok := b.threadArgument(ctx, message)
	if !ok {
		return
	}

	if err := session.Controller.DeleteThread(ctx, thread.ID); err != nil {
		b.logger.Error("Failed to delete thread",
			zap.Error(err),
			zap.String("user_id", session.UserID),
			zap.String("thread_id", thread.ID))
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.sendMessage(message.Chat.ID, "Deleted: "+thread.PreviewMessage)
}

// threadArgument resolves the 1-based position given to /open and /delete
// against the order shown by /history.
func (b *Bot) threadArgument(ctx context.Context, message *tgbotapi.Message) (*app.Session, models.Thread, bool) {
	session, err := b.session(ctx, message.From)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return nil, models.Thread{}, false
	}

	n, err := strconv.Atoi(strings.TrimSpace(message.CommandArguments()))
	if err != nil || n < 1 {
		b.sendMessage(message.Chat.ID, "Please give the conversation number from /history, for example /"+message.Command()+" 1")
		return nil, models.Thread{}, false
	}

	var list []models.Thread
	for _, section := range threads.GroupByDay(session.Threads(), b.now()) {
		list = append(list, section.Threads...)
	}
	if n > len(list) {
		b.sendMessage(message.Chat.ID, "There is no conversation with that number. Use /history to see your conversations.")
		return nil, models.Thread{}, false
	}
	return session, list[n-1], true
}

func (b *Bot) handleBalance(ctx context.Context, message *tgbotapi.Message) {
	session, err := b.session(ctx, message.From)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	user, err := b.app.Account(ctx, session.UserID)
	if err != nil {
		b.logger.Error("Failed to get account",
			zap.Error(err),
			zap.String("user_id", session.UserID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, failed to retrieve your balance. Please try again later.")
		return
	}
	b.sendMessage(message.Chat.ID, describeAccount(user))
}

func describeAccount(user models.User) string {
	if user.IsSubscribed {
		text := "You have an unlimited subscription"
		if user.SubscriptionPlan != nil {
			text += " (" + *user.SubscriptionPlan + ")"
		}
		if user.SubscriptionExpiresAt != nil {
			text += ", renewing " + user.SubscriptionExpiresAt.Format("Jan 2, 2006")
		}
		return text + "."
	}
	return fmt.Sprintf("You have %d tokens left.", user.AvailableTokens)
}

func (b *Bot) handleSubscribe(ctx context.Context, message *tgbotapi.Message) {
	if b.billing == nil || b.payments == nil {
		b.sendMessage(message.Chat.ID, "Subscriptions are not available right now.")
		return
	}
	session, err := b.session(ctx, message.From)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	productID := strings.TrimSpace(message.CommandArguments())
	if productID == "" {
		b.sendMessage(message.Chat.ID, b.describeProducts())
		return
	}

	var product billing.Product
	for _, p := range b.billing.Products() {
		if p.ID == productID {
			product = p
		}
	}

	chatID := message.Chat.ID
	txID, err := b.billing.StartPurchase(ctx, session.UserID, productID, func(result billing.PurchaseResult) {
		if result.Success {
			b.sendMessage(chatID, "Thank you! Your subscription is active.")
			return
		}
		b.sendErrorMessage(chatID, "Your purchase did not go through. Please try again.")
	})
	if err != nil {
		switch {
		case errors.Is(err, apperror.ErrNotFound):
			b.sendMessage(chatID, "Unknown plan.\n\n"+b.describeProducts())
		case errors.Is(err, apperror.ErrBusy):
			b.sendMessage(chatID, "You already have a purchase in progress.")
		default:
			b.logger.Error("Failed to start purchase", zap.Error(err), zap.String("user_id", session.UserID))
			b.sendErrorMessage(chatID, retryText)
		}
		return
	}

	invoice := tgbotapi.NewInvoice(chatID, product.Title, product.Description, txID, b.paymentToken, "", product.Currency,
		[]tgbotapi.LabeledPrice{{Label: product.Title, Amount: int(product.Price)}})
	invoice.SuggestedTipAmounts = []int{}
	if _, err := b.api.Send(invoice); err != nil {
		b.logger.Error("Failed to send invoice", zap.Error(err), zap.String("transaction_id", txID))
		if err := b.payments.Fail(ctx, txID, err); err != nil {
			b.logger.Error("Failed to cancel transaction", zap.Error(err), zap.String("transaction_id", txID))
		}
	}
}

func (b *Bot) describeProducts() string {
	products := b.billing.Products()
	if len(products) == 0 {
		return "No plans are available right now."
	}
	var text strings.Builder
	text.WriteString("Available plans:\n")
	for _, p := range products {
		fmt.Fprintf(&text, "/subscribe %s - %s, %s\n", p.ID, p.Title, p.FormattedPrice())
	}
	return strings.TrimSuffix(text.String(), "\n")
}

func (b *Bot) handlePreCheckout(query *tgbotapi.PreCheckoutQuery) {
	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: query.ID, OK: true}
	if b.payments == nil {
		answer.OK = false
		answer.ErrorMessage = "Subscriptions are not available right now."
	} else if _, pending := b.payments.Pending(query.InvoicePayload); !pending {
		answer.OK = false
		answer.ErrorMessage = "This invoice has expired. Please use /subscribe again."
	}

	if _, err := b.api.Request(answer); err != nil {
		b.logger.Error("Failed to answer pre-checkout query",
			zap.Error(err),
			zap.String("transaction_id", query.InvoicePayload))
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, message *tgbotapi.Message) {
	if b.payments == nil {
		return
	}
	txID := message.SuccessfulPayment.InvoicePayload
	if err := b.payments.Complete(ctx, txID); err != nil {
		b.logger.Error("Failed to record payment",
			zap.Error(err),
			zap.String("transaction_id", txID),
			zap.Int64("user_id", message.From.ID))
	}
}

func (b *Bot) handleRestore(ctx context.Context, message *tgbotapi.Message) {
	if b.billing == nil {
		b.sendMessage(message.Chat.ID, "Subscriptions are not available right now.")
		return
	}
	session, err := b.session(ctx, message.From)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	if err := b.billing.Restore(ctx, session.UserID); err != nil {
		b.logger.Error("Failed to restore purchases", zap.Error(err), zap.String("user_id", session.UserID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't restore your purchases. Please try again.")
		return
	}

	user, err := b.app.Account(ctx, session.UserID)
	if err != nil {
		b.sendMessage(message.Chat.ID, "Purchases restored.")
		return
	}
	b.sendMessage(message.Chat.ID, "Purchases restored. "+describeAccount(user))
}

func (b *Bot) handleVoice(ctx context.Context, message *tgbotapi.Message) {
	session, err := b.session(ctx, message.From)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}

	voices := "Voices: " + strings.Join(completion.Voices, ", ") + ". Use /voice off to stop spoken replies."
	choice := strings.ToLower(strings.TrimSpace(message.CommandArguments()))
	if choice == "" {
		current, err := b.app.Voice(ctx, session.UserID)
		if err != nil {
			b.logger.Error("Failed to get voice", zap.Error(err), zap.String("user_id", session.UserID))
			b.sendErrorMessage(message.Chat.ID, retryText)
			return
		}
		if current == "" {
			b.sendMessage(message.Chat.ID, "Spoken replies are off.\n\n"+voices)
			return
		}
		b.sendMessage(message.Chat.ID, "Spoken replies use the "+current+" voice.\n\n"+voices)
		return
	}

	if err := b.app.SetVoice(ctx, session.UserID, choice); err != nil {
		if errors.Is(err, apperror.ErrValidation) {
			b.sendMessage(message.Chat.ID, "I can't use that voice.\n\n"+voices)
			return
		}
		b.logger.Error("Failed to set voice", zap.Error(err), zap.String("user_id", session.UserID))
		b.sendErrorMessage(message.Chat.ID, retryText)
		return
	}

	if choice == app.VoiceOff {
		b.sendMessage(message.Chat.ID, "Spoken replies are off.")
		return
	}
	b.sendMessage(message.Chat.ID, "Replies will also be spoken with the "+choice+" voice.")
}

func (b *Bot) handleDeleteAccount(ctx context.Context, message *tgbotapi.Message) {
	userID := strconv.FormatInt(message.From.ID, 10)
	if err := b.app.DeleteAccount(ctx, userID); err != nil {
		b.logger.Error("Failed to delete account", zap.Error(err), zap.String("user_id", userID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't delete your account. Please try again.")
		return
	}
	b.sendMessage(message.Chat.ID, "Your account and conversations have been deleted.")
}

// session signs the Telegram user in on first contact.
func (b *Bot) session(ctx context.Context, from *tgbotapi.User) (*app.Session, error) {
	userID := strconv.FormatInt(from.ID, 10)
	if s, ok := b.app.Session(userID); ok {
		return s, nil
	}
	return b.app.SignIn(ctx, models.User{
		ID:   userID,
		Name: strings.TrimSpace(from.FirstName + " " + from.LastName),
	})
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, apperror.ErrQuotaExceeded):
		return upgradeText
	case errors.Is(err, apperror.ErrBusy):
		return busyText
	default:
		return retryText
	}
}

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
