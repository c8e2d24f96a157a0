package gemcord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

const (
	imagineOptionPrompt      = "prompt"
	imagineOptionAspectRatio = "aspect_ratio"
	imaginePromptMaxLength   = 1000

	memoryFilename = "memory.json"

	embedColorPending = 0x5865F2
	embedColorSuccess = 0x57F287
	embedColorError   = 0xED4245

	discordEmbedTitleMaxLength       = 256
	discordEmbedDescriptionMaxLength = 4096
)

var (
	memoryResponseEmpty    = "No memory for this server."
	memoryResponseFile     = "Here is the memory JSON file:"
	guildOnlyResponse      = "This command can only be used in a server."
	imagineDisabledMessage = "Image generation is not configured."
)

func appCommandMemory() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandMemory,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Displays the memory of conversations in the server.",
	}
}

func appCommandImagine() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandImagine,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Generate an image from a prompt.",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        imagineOptionPrompt,
				Description: "What to draw",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   imaginePromptMaxLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        imagineOptionAspectRatio,
				Description: "Shape of the image (default: Square)",
				Required:    false,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: string(AspectRatioSquare), Value: string(AspectRatioSquare)},
					{Name: string(AspectRatioLandscape), Value: string(AspectRatioLandscape)},
					{Name: string(AspectRatioPortrait), Value: string(AspectRatioPortrait)},
				},
			},
		},
	}
}

// InteractionHandler responds to a single interaction
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction routes slash commands to their handlers. Errors are
// logged and never returned, and panics are recovered.
func (d *Gemcord) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger().With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	defer handleRecover(ctx, logger)

	logger.InfoContext(ctx, "received new interaction")

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if d.writeDB != nil {
		interactionLog, err := newInteractionLog(i)
		if err != nil {
			logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, createErr := d.writeDB.Create(context.WithoutCancel(ctx), interactionLog); createErr != nil {
					logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
				}
			}()
		}
	}

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}
	if u := interactionUser(i); u != nil && u.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	name := i.ApplicationCommandData().Name
	d.metrics.Commands.WithLabelValues(name).Inc()

	switch name {
	case DiscordSlashCommandMemory:
		d.commandMemory(ctx, handler)
	case DiscordSlashCommandImagine:
		d.commandImagine(ctx, handler)
	default:
		logger.WarnContext(ctx, "unknown command", "command", name)
	}
}

// commandMemory sends the server's stored conversation as JSON
func (d *Gemcord) commandMemory(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.GuildID == "" {
		_ = handler.Respond(ctx, textResponse(guildOnlyResponse, discordgo.MessageFlagsEphemeral))
		return
	}

	history := d.store.Get(i.GuildID)
	if len(history) == 0 {
		_ = handler.Respond(ctx, textResponse(memoryResponseEmpty, 0))
		return
	}

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		logger.ErrorContext(ctx, "error encoding history", tint.Err(err))
		return
	}

	if d.config.Discord.SendAsFile {
		resp := &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: memoryResponseFile,
				Files: []*discordgo.File{
					{
						Name:        memoryFilename,
						ContentType: "application/json",
						Reader:      bytes.NewReader(data),
					},
				},
			},
		}
		if err = handler.Respond(ctx, resp); err == nil {
			return
		}
		logger.WarnContext(ctx, "falling back to sending memory as text")
	}

	chunks := chunkText(string(data), discordChunkSize)
	for n, chunk := range chunks {
		if n == 0 {
			if err = handler.Respond(ctx, textResponse(chunk, 0)); err != nil {
				return
			}
			continue
		}
		if _, err = d.discord.session.ChannelMessageSend(
			i.ChannelID,
			chunk,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error sending memory chunk", "chunk", n, tint.Err(err))
			return
		}
	}
}

// commandImagine generates an image, posting it to the channel and
// updating a status embed with the outcome
func (d *Gemcord) commandImagine(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if !d.images.Enabled() {
		_ = handler.Respond(
			ctx,
			textResponse(imagineDisabledMessage, discordgo.MessageFlagsEphemeral),
		)
		return
	}

	req := imageRequestFromOptions(discordInteractionOptions(i))
	logger = logger.With("image_request", req)
	ctx = WithLogger(ctx, logger)

	started := time.Now().UTC()
	rec := &ImagineCommand{
		InteractionID: i.ID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Prompt:        req.Prompt,
		AspectRatio:   req.AspectRatio,
		State:         RecordStateReceived,
		StartedAt:     &started,
	}
	var requester string
	if u := interactionUser(i); u != nil {
		rec.UserID = u.ID
		rec.Username = u.Username
		requester = u.Username
		if i.Member != nil {
			requester = memberDisplayName(i.Member)
		}
	}
	d.recordCreate(ctx, rec)

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{pendingImageEmbed(req)},
			},
		},
	); err != nil {
		d.finishImagine(ctx, rec, err)
		return
	}

	imageURL, err := d.images.Generate(ctx, req)
	if err != nil {
		d.editImagineStatus(ctx, handler, failedImageEmbed(err))
		d.finishImagine(ctx, rec, err)
		return
	}
	rec.ImageURL = imageURL

	msg, err := d.discord.session.ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{imageEmbed(req, imageURL, requester)},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		d.editImagineStatus(ctx, handler, failedImageEmbed(err))
		d.finishImagine(ctx, rec, err)
		return
	}
	rec.MessageID = msg.ID

	d.editImagineStatus(
		ctx,
		handler,
		&discordgo.MessageEmbed{
			Title: "Image generated",
			Description: fmt.Sprintf(
				"[Jump to image](%s)",
				messageLink(i.GuildID, i.ChannelID, msg.ID),
			),
			Color: embedColorSuccess,
		},
	)
	d.finishImagine(ctx, rec, nil)
}

func (d *Gemcord) editImagineStatus(
	ctx context.Context,
	handler InteractionHandler,
	embed *discordgo.MessageEmbed,
) {
	embeds := []*discordgo.MessageEmbed{embed}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds})
}

func (d *Gemcord) finishImagine(ctx context.Context, rec *ImagineCommand, err error) {
	d.metrics.ImagesGenerated.WithLabelValues(outcome(err)).Inc()
	finished := time.Now().UTC()
	rec.FinishedAt = &finished
	rec.State = RecordStateCompleted
	if err != nil {
		rec.State = RecordStateFailed
		rec.Error = err.Error()
		loggerFromContext(ctx, d.logger).ErrorContext(ctx, "imagine failed", tint.Err(err))
	}
	d.recordSave(ctx, rec)
}

func imageRequestFromOptions(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) ImageRequest {
	req := ImageRequest{AspectRatio: AspectRatioSquare}
	if opt, ok := options[imagineOptionPrompt]; ok {
		req.Prompt = opt.StringValue()
	}
	if opt, ok := options[imagineOptionAspectRatio]; ok {
		switch ratio := AspectRatio(opt.StringValue()); ratio {
		case AspectRatioSquare, AspectRatioLandscape, AspectRatioPortrait:
			req.AspectRatio = ratio
		}
	}
	return req
}

func textResponse(content string, flags discordgo.MessageFlags) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	}
}

func pendingImageEmbed(req ImageRequest) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Generating image…",
		Description: truncate(req.Prompt, discordEmbedDescriptionMaxLength),
		Color:       embedColorPending,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Aspect ratio", Value: string(req.AspectRatio), Inline: true},
		},
	}
}

func failedImageEmbed(err error) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Image generation failed",
		Description: truncate(err.Error(), discordEmbedDescriptionMaxLength),
		Color:       embedColorError,
	}
}

func imageEmbed(req ImageRequest, imageURL string, requester string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: truncate(req.Prompt, discordEmbedTitleMaxLength),
		Image: &discordgo.MessageEmbedImage{URL: imageURL},
		Color: embedColorSuccess,
	}
	if requester != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Requested by " + requester}
	}
	return embed
}

func messageLink(guildID, channelID, messageID string) string {
	return fmt.Sprintf(
		"https://discord.com/channels/%s/%s/%s",
		guildID,
		channelID,
		messageID,
	)
}
