package gemcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	candidateBlockedPrefix = "candidate was blocked due to"

	// statusOffline is reported when a member has no known presence
	statusOffline = "offline"

	notSet = "Not set"
)

var (
	// ErrCandidateBlocked is returned when the model declines to respond,
	// generally due to its safety settings
	ErrCandidateBlocked = errors.New(candidateBlockedPrefix + " safety settings")

	ErrEmptyReply = errors.New("model returned an empty reply")
)

// ChatClient is the subset of the OpenAI client used to generate replies
type ChatClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// UserContext describes the author of the message being answered, and
// where it was sent. It's included in the system instruction.
type UserContext struct {
	Username       string
	DisplayName    string
	ServerNickname string
	Status         string
	ServerName     string
	ChannelName    string
	Time           time.Time
}

// SessionInput is a single user message to send to the model
type SessionInput struct {
	// BotName is the name the bot is known by in the server
	BotName string

	// History is the conversation prior to this message
	History History

	// Prompt is the user's message, already framed and with any text
	// attachments appended
	Prompt string

	// Attachments are inline parts (images) sent along with Prompt
	Attachments []Part

	User UserContext
}

// SessionResult holds the model's reply, and the conversation with both
// the user's message and the reply appended. The caller is responsible
// for persisting History.
type SessionResult struct {
	Reply        string
	History      History
	FinishReason string
	Usage        openai.Usage
}

// Conversation sends a server's conversation, plus a new message,
// to the model and returns its reply.
type Conversation struct {
	client         ChatClient
	model          string
	timeout        time.Duration
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func newConversation(
	config *ModelConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *Conversation {
	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	return &Conversation{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   config.Model,
		timeout: config.Timeout,
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
		logger: logger.With(loggerNameKey, "model"),
	}
}

// Send sends input to the model. On success, the returned History is
// input.History plus the new user and model turns. input.History is
// never modified.
func (c *Conversation) Send(
	ctx context.Context,
	input SessionInput,
) (SessionResult, error) {
	logger := loggerFromContext(ctx, c.logger)

	userTurn := Turn{
		Role:  RoleUser,
		Parts: append([]Part{{Text: input.Prompt}}, input.Attachments...),
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(input.History)+2)
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemInstruction(input.BotName, input.User),
		},
	)
	for _, turn := range input.History {
		messages = append(messages, turnToMessage(turn))
	}
	messages = append(messages, turnToMessage(userTurn))

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	}

	if c.requestLimiter != nil {
		if err := c.requestLimiter.Wait(ctx); err != nil {
			return SessionResult{}, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(reqCtx, req)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"chat completion failed",
			"model", c.model,
			"messages", len(messages),
			"elapsed", time.Since(start),
			tint.Err(err),
		)
		return SessionResult{}, fmt.Errorf("error creating chat completion: %w", err)
	}

	logger.InfoContext(
		ctx,
		"chat completion",
		"model", resp.Model,
		"id", resp.ID,
		"choices", len(resp.Choices),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"elapsed", time.Since(start),
	)

	if len(resp.Choices) == 0 {
		return SessionResult{}, fmt.Errorf("%w: no candidates returned", ErrCandidateBlocked)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return SessionResult{}, fmt.Errorf(
			"%w: finish reason %q",
			ErrCandidateBlocked,
			choice.FinishReason,
		)
	}
	reply := choice.Message.Content
	if strings.TrimSpace(reply) == "" {
		return SessionResult{}, fmt.Errorf(
			"%w (finish reason %q)",
			ErrEmptyReply,
			choice.FinishReason,
		)
	}

	updated := make(History, 0, len(input.History)+2)
	updated = append(updated, input.History.Clone()...)
	updated = append(
		updated,
		userTurn,
		Turn{Role: RoleModel, Parts: []Part{{Text: reply}}},
	)

	return SessionResult{
		Reply:        reply,
		History:      updated,
		FinishReason: string(choice.FinishReason),
		Usage:        resp.Usage,
	}, nil
}

// turnToMessage converts a stored turn to a chat completion message.
// Inline data is sent as a data URI image part.
func turnToMessage(turn Turn) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if turn.Role == RoleModel {
		role = openai.ChatMessageRoleAssistant
	}

	hasInline := false
	var texts []string
	for _, p := range turn.Parts {
		if p.InlineData != nil {
			hasInline = true
			continue
		}
		texts = append(texts, p.Text)
	}

	if !hasInline || role == openai.ChatMessageRoleAssistant {
		return openai.ChatCompletionMessage{
			Role:    role,
			Content: strings.Join(texts, "\n"),
		}
	}

	parts := make([]openai.ChatMessagePart, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		if p.InlineData != nil {
			parts = append(
				parts,
				openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf(
							"data:%s;base64,%s",
							p.InlineData.MimeType,
							p.InlineData.Data,
						),
						Detail: openai.ImageURLDetailAuto,
					},
				},
			)
			continue
		}
		parts = append(
			parts,
			openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			},
		)
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

// systemInstruction describes the bot's persona, the server it's in,
// and the user it's responding to.
func systemInstruction(botName string, u UserContext) string {
	nickname := u.ServerNickname
	if nickname == "" {
		nickname = notSet
	}
	status := u.Status
	if status == "" {
		status = statusOffline
	}
	now := u.Time
	if now.IsZero() {
		now = time.Now()
	}

	var sb strings.Builder
	fmt.Fprintf(
		&sb,
		"You are an AI known as %s. You are currently engaging with users in the %s Discord server. ",
		botName,
		u.ServerName,
	)
	sb.WriteString(
		`You will receive messages in the following format: "[User's message in the ChannelName channel]:". ` +
			"When responding, you do not need to follow this format. " +
			"You can refer to users as @name and to channels as #name. " +
			"Avoid using emojis in your responses. " +
			"You are mainly built as a conversational AI, but you can do other things as well. " +
			"Be understanding, build friendships, and play along.",
	)
	sb.WriteString("\n\n## User Information\n")
	fmt.Fprintf(&sb, "Username: `%s`\n", u.Username)
	fmt.Fprintf(&sb, "Display Name: `%s`\n", u.DisplayName)
	fmt.Fprintf(&sb, "Server Nickname: `%s`\n", nickname)
	fmt.Fprintf(&sb, "Status: `%s`\n", status)
	sb.WriteString("\n## General Information:\n")
	if u.ChannelName != "" {
		fmt.Fprintf(&sb, "Current Channel: `#%s`\n", u.ChannelName)
	}
	fmt.Fprintf(&sb, "UTC Date And Time: `%s`\n", now.UTC().Format(time.RFC1123))
	fmt.Fprintf(&sb, "Local Date And Time: `%s`", now.Local().Format(time.RFC1123))
	return sb.String()
}

// framePrompt labels a user's message with who sent it and where
func framePrompt(displayName, channelName, content string) string {
	return fmt.Sprintf(
		"[%s's Message In #%s Channel]: %s",
		displayName,
		channelName,
		content,
	)
}
