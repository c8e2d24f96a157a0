package gemcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// typingInterval re-sends the typing indicator, which discord clears
	// after ~10 seconds
	typingInterval = 8 * time.Second

	replyFileContent = "Here is the response:"
)

// shouldRespond reports whether the bot should answer m. The bot answers
// messages in servers which mention it (other than via @everyone), or
// which contain its name.
func shouldRespond(m *discordgo.Message, bot *discordgo.User, botName string) bool {
	if m == nil || bot == nil {
		return false
	}
	if m.GuildID == "" {
		return false
	}
	if m.Author == nil || m.Author.Bot || m.Author.ID == bot.ID {
		return false
	}
	if !m.MentionEveryone && messageMentionsUser(m, bot.ID) {
		return true
	}
	if botName == "" {
		return false
	}
	return strings.Contains(
		strings.ToLower(m.Content),
		strings.ToLower(botName),
	)
}

func messageMentionsUser(m *discordgo.Message, userID string) bool {
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// chatReply is the outcome of sending a reply to discord
type chatReply struct {
	MessageIDs []string
	Chunks     int
	SentAsFile bool
}

// handleMessage answers a message addressed to the bot. The full
// pipeline (building the prompt, calling the model, saving history) is
// retried, and turns for a single server are serialized.
func (d *Gemcord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	traceID := uuid.NewString()
	logger := d.logger.With(
		slog.Group("message", messageLogAttrs(m.Message)...),
		"trace_id", traceID,
	)
	ctx = WithLogger(ctx, logger)
	defer handleRecover(ctx, logger)

	bot := d.discord.session.BotUser()
	if bot == nil {
		logger.DebugContext(ctx, "bot user not ready, ignoring message")
		return
	}
	botName := userDisplayName(bot)
	if !shouldRespond(m.Message, bot, botName) {
		return
	}

	logger.InfoContext(ctx, "answering message")
	rec := newMessageLog(m.Message, traceID)

	stopTyping := d.startTyping(ctx, m.ChannelID)
	defer stopTyping()

	reply, result := func() (SessionResult, RetryResult) {
		unlock := d.store.Lock(m.GuildID)
		defer unlock()
		return d.converse(ctx, m.Message, botName)
	}()

	rec.Attempts = result.Attempts
	rec.Pruned = result.Pruned
	d.metrics.ModelAttempts.Add(float64(result.Attempts))
	d.metrics.HistoryPrunes.Add(float64(result.Pruned))

	var sendErr error
	if result.Err == nil {
		var sent chatReply
		sent, sendErr = d.sendReply(ctx, m.Message, reply.Reply)
		rec.ReplyLength = utf8.RuneCountInString(reply.Reply)
		rec.Chunks = sent.Chunks
		rec.SentAsFile = sent.SentAsFile
		rec.ReplyMessageIDs = strings.Join(sent.MessageIDs, ",")
		rec.PromptTokens = reply.Usage.PromptTokens
		rec.ReplyTokens = reply.Usage.CompletionTokens
	} else {
		d.sendErrorReply(ctx, m.Message)
	}
	stopTyping()

	err := errors.Join(result.Err, sendErr)
	d.metrics.MessagesHandled.WithLabelValues(outcome(err)).Inc()

	finished := time.Now().UTC()
	rec.FinishedAt = &finished
	rec.State = RecordStateCompleted
	if err != nil {
		rec.State = RecordStateFailed
		rec.Error = err.Error()
		logger.ErrorContext(ctx, "failed to answer message", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "answered message", "message_log", rec)
	}
	d.recordCreate(ctx, rec)
}

// converse runs the retried model exchange for m, returning the
// model's reply with mentions converted back to discord's format.
// The caller must hold the guild's lock.
func (d *Gemcord) converse(
	ctx context.Context,
	m *discordgo.Message,
	botName string,
) (SessionResult, RetryResult) {
	logger := loggerFromContext(ctx, d.logger)

	var mentions *MentionTable
	var user UserContext
	var result SessionResult

	attempt := func(ctx context.Context, n int) error {
		if mentions == nil {
			mentions = d.mentionTable(ctx, m.GuildID)
			user = d.userContext(ctx, m)
		}
		user.Time = time.Now()

		prompt := framePrompt(
			user.DisplayName,
			user.ChannelName,
			mentions.Inbound(m.Content),
		)
		prompt, images := d.attachments.Extract(ctx, prompt, m.Attachments)
		if n == 1 {
			d.countAttachments(m.Attachments)
		}

		sent, err := d.conversation.Send(
			ctx,
			SessionInput{
				BotName:     botName,
				History:     d.store.Get(m.GuildID),
				Prompt:      prompt,
				Attachments: images,
				User:        user,
			},
		)
		if err != nil {
			return err
		}
		if err = d.store.Save(m.GuildID, sent.History); err != nil {
			return fmt.Errorf("error saving history: %w", err)
		}
		sent.Reply = mentions.Outbound(sent.Reply)
		result = sent
		logger.DebugContext(
			ctx,
			"model replied",
			"attempt", n,
			"finish_reason", sent.FinishReason,
			"history_turns", len(sent.History),
		)
		return nil
	}

	prune := func(n int) bool {
		return d.store.PruneLast(m.GuildID, n)
	}

	retried := d.retry.Run(ctx, attempt, prune)
	return result, retried
}

// mentionTable builds the lookup table used to translate mentions for
// the given server. If members or channels can't be fetched, those
// mentions are left untranslated.
func (d *Gemcord) mentionTable(ctx context.Context, guildID string) *MentionTable {
	logger := loggerFromContext(ctx, d.logger)
	members, err := d.discord.guildMembers(guildID)
	if err != nil {
		logger.WarnContext(ctx, "error fetching guild members", tint.Err(err))
		members = nil
	}
	channels, err := d.discord.session.GuildChannels(
		guildID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "error fetching guild channels", tint.Err(err))
		channels = nil
	}
	return newMentionTable(members, channels, logger)
}

// userContext describes the message author for the system instruction.
// Lookups that fail are logged and left at their zero value.
func (d *Gemcord) userContext(ctx context.Context, m *discordgo.Message) UserContext {
	logger := loggerFromContext(ctx, d.logger)
	u := UserContext{
		Username:    m.Author.Username,
		DisplayName: userDisplayName(m.Author),
		Status:      statusOffline,
	}
	if m.Member != nil {
		u.ServerNickname = m.Member.Nick
	}

	if presence, err := d.discord.session.Presence(m.GuildID, m.Author.ID); err == nil &&
		presence != nil && presence.Status != "" {
		u.Status = string(presence.Status)
	}

	if guild, err := d.discord.session.Guild(m.GuildID, discordgo.WithContext(ctx)); err != nil {
		logger.WarnContext(ctx, "error fetching guild", tint.Err(err))
	} else {
		u.ServerName = guild.Name
	}

	if channel, err := d.discord.session.Channel(m.ChannelID, discordgo.WithContext(ctx)); err != nil {
		logger.WarnContext(ctx, "error fetching channel", tint.Err(err))
	} else {
		u.ChannelName = channel.Name
	}
	return u
}

func (d *Gemcord) countAttachments(attachments []*discordgo.MessageAttachment) {
	for _, a := range attachments {
		if a == nil {
			continue
		}
		kind := attachmentExtension(a.Filename)
		switch {
		case isImageAttachment(a):
			kind = "image"
		case !slices.Contains(textAttachmentExtensions, kind):
			kind = "other"
		}
		d.metrics.Attachments.WithLabelValues(kind).Inc()
	}
}

// sendReply replies to m with text. Replies longer than a single
// message are sent as a file if configured, otherwise (or if the file
// upload fails) as a series of messages, the first replying to m.
func (d *Gemcord) sendReply(
	ctx context.Context,
	m *discordgo.Message,
	text string,
) (chatReply, error) {
	logger := loggerFromContext(ctx, d.logger)
	var sent chatReply

	if d.config.Discord.SendAsFile && utf8.RuneCountInString(text) > discordChunkSize {
		msg, err := d.discord.session.ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content: replyFileContent,
				Files: []*discordgo.File{
					{
						Name:        fmt.Sprintf("response-%d.txt", time.Now().UnixMilli()),
						ContentType: "text/plain",
						Reader:      strings.NewReader(text),
					},
				},
				Reference: m.Reference(),
			},
			discordgo.WithContext(ctx),
		)
		if err == nil {
			sent.SentAsFile = true
			sent.MessageIDs = append(sent.MessageIDs, msg.ID)
			return sent, nil
		}
		logger.WarnContext(ctx, "error sending reply as file, sending as text", tint.Err(err))
	}

	for n, chunk := range chunkText(text, discordChunkSize) {
		var msg *discordgo.Message
		var err error
		if n == 0 {
			msg, err = d.discord.session.ChannelMessageSendReply(
				m.ChannelID,
				chunk,
				m.Reference(),
				discordgo.WithContext(ctx),
			)
		} else {
			msg, err = d.discord.session.ChannelMessageSend(
				m.ChannelID,
				chunk,
				discordgo.WithContext(ctx),
			)
		}
		if err != nil {
			return sent, fmt.Errorf("error sending reply chunk %d: %w", n, err)
		}
		sent.Chunks++
		sent.MessageIDs = append(sent.MessageIDs, msg.ID)
	}
	return sent, nil
}

// sendErrorReply lets the user know their message couldn't be answered,
// unless the error message is disabled
func (d *Gemcord) sendErrorReply(ctx context.Context, m *discordgo.Message) {
	content := d.config.Discord.ErrorMessage
	if content == "" {
		return
	}
	if _, err := d.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
		discordgo.WithContext(context.WithoutCancel(ctx)),
	); err != nil {
		loggerFromContext(ctx, d.logger).ErrorContext(
			ctx,
			"error sending error reply",
			tint.Err(err),
		)
	}
}

// startTyping shows the bot as typing in the channel until the returned
// func is first called
func (d *Gemcord) startTyping(ctx context.Context, channelID string) (stop func()) {
	typingCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once
	logger := loggerFromContext(ctx, d.logger)

	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := d.discord.session.ChannelTyping(
				channelID,
				discordgo.WithContext(typingCtx),
			); err != nil && typingCtx.Err() == nil {
				logger.DebugContext(ctx, "error sending typing indicator", tint.Err(err))
			}
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		once.Do(
			func() {
				cancel()
				<-done
			},
		)
	}
}
