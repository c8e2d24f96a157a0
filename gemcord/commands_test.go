package gemcord

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// fakeInteractionHandler implements InteractionHandler, recording
// responses and edits
type fakeInteractionHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	responses   []*discordgo.InteractionResponse
	edits       []*discordgo.WebhookEdit
	respondErr  error
}

func (f *fakeInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, i)
	return f.respondErr
}

func (f *fakeInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, e)
	return &discordgo.Message{ID: "900000000000000001"}, nil
}

func (f *fakeInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return f.interaction
}

func (f *fakeInteractionHandler) Logger() *slog.Logger {
	return slog.Default()
}

func testInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "800000000000000001",
			AppID:     "100000000000000001",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			Member: &discordgo.Member{
				Nick: "Annie",
				User: &discordgo.User{ID: testUserID, Username: "ann"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      "810000000000000001",
				Name:    name,
				Options: options,
			},
		},
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func TestAppCommands(t *testing.T) {
	t.Parallel()

	memory := appCommandMemory()
	assert.Equal(t, DiscordSlashCommandMemory, memory.Name)
	assert.Empty(t, memory.Options)

	imagine := appCommandImagine()
	assert.Equal(t, DiscordSlashCommandImagine, imagine.Name)
	require.Len(t, imagine.Options, 2)
	assert.True(t, imagine.Options[0].Required)
	assert.Equal(t, imaginePromptMaxLength, imagine.Options[0].MaxLength)
	assert.False(t, imagine.Options[1].Required)
	require.Len(t, imagine.Options[1].Choices, 3)
}

func TestImageRequestFromOptions(t *testing.T) {
	t.Parallel()

	req := imageRequestFromOptions(
		discordInteractionOptions(
			testInteraction(
				DiscordSlashCommandImagine,
				stringOption(imagineOptionPrompt, "a red fox"),
				stringOption(imagineOptionAspectRatio, string(AspectRatioPortrait)),
			),
		),
	)
	assert.Equal(t, ImageRequest{Prompt: "a red fox", AspectRatio: AspectRatioPortrait}, req)

	req = imageRequestFromOptions(
		discordInteractionOptions(
			testInteraction(
				DiscordSlashCommandImagine,
				stringOption(imagineOptionPrompt, "a red fox"),
				stringOption(imagineOptionAspectRatio, "Panorama"),
			),
		),
	)
	assert.Equal(t, AspectRatioSquare, req.AspectRatio)
}

func TestGemcord_CommandMemoryEmpty(t *testing.T) {
	t.Parallel()
	bot, _ := newTestGemcord(t, nil)
	handler := &fakeInteractionHandler{interaction: testInteraction(DiscordSlashCommandMemory)}

	bot.handleInteraction(context.Background(), handler)

	require.Len(t, handler.responses, 1)
	assert.Equal(t, memoryResponseEmpty, handler.responses[0].Data.Content)
	assert.Equal(t, 1.0, counterValue(t, bot.metrics.Commands.WithLabelValues(DiscordSlashCommandMemory)))

	var logs []InteractionLog
	require.NoError(t, bot.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, DiscordSlashCommandMemory, logs[0].Command)
	assert.Equal(t, testUserID, logs[0].UserID)
}

func TestGemcord_CommandMemoryDM(t *testing.T) {
	t.Parallel()
	bot, _ := newTestGemcord(t, nil)
	i := testInteraction(DiscordSlashCommandMemory)
	i.GuildID = ""
	i.User = i.Member.User
	i.Member = nil
	handler := &fakeInteractionHandler{interaction: i}

	bot.handleInteraction(context.Background(), handler)

	require.Len(t, handler.responses, 1)
	assert.Equal(t, guildOnlyResponse, handler.responses[0].Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, handler.responses[0].Data.Flags)
}

func TestGemcord_CommandMemoryText(t *testing.T) {
	t.Parallel()
	bot, session := newTestGemcord(t, nil)
	require.NoError(t, bot.store.Save(testGuildID, sampleHistory()))
	handler := &fakeInteractionHandler{interaction: testInteraction(DiscordSlashCommandMemory)}

	bot.handleInteraction(context.Background(), handler)

	require.Len(t, handler.responses, 1)
	assert.Empty(t, session.sent())

	var decoded History
	require.NoError(t, json.Unmarshal([]byte(handler.responses[0].Data.Content), &decoded))
	assert.Equal(t, sampleHistory(), decoded)
}

func TestGemcord_CommandMemoryChunked(t *testing.T) {
	t.Parallel()
	bot, session := newTestGemcord(t, nil)

	long := History{
		{Role: RoleUser, Parts: []Part{{Text: strings.Repeat("tell me a story ", 200)}}},
		{Role: RoleModel, Parts: []Part{{Text: strings.Repeat("once upon a time ", 200)}}},
	}
	require.NoError(t, bot.store.Save(testGuildID, long))
	handler := &fakeInteractionHandler{interaction: testInteraction(DiscordSlashCommandMemory)}

	bot.handleInteraction(context.Background(), handler)

	require.Len(t, handler.responses, 1)
	followups := session.sent()
	require.NotEmpty(t, followups)
	for _, m := range followups {
		assert.Equal(t, testChannelID, m.ChannelID)
	}
	assert.Contains(t, handler.responses[0].Data.Content, `"role": "user"`)
}

func TestGemcord_CommandMemoryFile(t *testing.T) {
	t.Parallel()
	bot, _ := newTestGemcord(t, nil)
	bot.config.Discord.SendAsFile = true
	require.NoError(t, bot.store.Save(testGuildID, sampleHistory()))
	handler := &fakeInteractionHandler{interaction: testInteraction(DiscordSlashCommandMemory)}

	bot.handleInteraction(context.Background(), handler)

	require.Len(t, handler.responses, 1)
	data := handler.responses[0].Data
	assert.Equal(t, memoryResponseFile, data.Content)
	require.Len(t, data.Files, 1)
	assert.Equal(t, memoryFilename, data.Files[0].Name)

	content, err := io.ReadAll(data.Files[0].Reader)
	require.NoError(t, err)
	var decoded History
	require.NoError(t, json.Unmarshal(content, &decoded))
	assert.Equal(t, sampleHistory(), decoded)
}

func TestGemcord_CommandMemoryFileFallback(t *testing.T) {
	t.Parallel()
	bot, _ := newTestGemcord(t, nil)
	bot.config.Discord.SendAsFile = true
	require.NoError(t, bot.store.Save(testGuildID, sampleHistory()))
	handler := &fakeInteractionHandler{
		interaction: testInteraction(DiscordSlashCommandMemory),
		respondErr:  errors.New("upload failed"),
	}

	bot.handleInteraction(context.Background(), handler)

	// the file response, then the first text chunk
	require.Len(t, handler.responses, 2)
	assert.Len(t, handler.responses[0].Data.Files, 1)
	assert.Empty(t, handler.responses[1].Data.Files)
}

func TestGemcord_CommandImagineDisabled(t *testing.T) {
	t.Parallel()
	bot, session := newTestGemcord(t, nil)
	handler := &fakeInteractionHandler{
		interaction: testInteraction(
			DiscordSlashCommandImagine,
			stringOption(imagineOptionPrompt, "a lighthouse"),
		),
	}

	bot.handleInteraction(context.Background(), handler)

	require.Len(t, handler.responses, 1)
	assert.Equal(t, imagineDisabledMessage, handler.responses[0].Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, handler.responses[0].Data.Flags)
	assert.Empty(t, session.sent())
}

func TestGemcord_CommandImagine(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(
		t,
		`{"msg":"estimation","rank":0}`,
		`{"msg":"process_completed","success":true,"output":{"data":[{"url":"https://img.example/out.webp"},42]}}`,
	)
	bot, session := newTestGemcord(t, nil)
	bot.images = testImageClient(q)

	handler := &fakeInteractionHandler{
		interaction: testInteraction(
			DiscordSlashCommandImagine,
			stringOption(imagineOptionPrompt, "a lighthouse at dusk"),
			stringOption(imagineOptionAspectRatio, string(AspectRatioLandscape)),
		),
	}
	bot.handleInteraction(context.Background(), handler)

	require.Len(t, handler.responses, 1)
	pending := handler.responses[0].Data.Embeds
	require.Len(t, pending, 1)
	assert.Equal(t, embedColorPending, pending[0].Color)
	assert.Equal(t, "a lighthouse at dusk", pending[0].Description)

	sent := session.sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Data)
	require.Len(t, sent[0].Data.Embeds, 1)
	posted := sent[0].Data.Embeds[0]
	assert.Equal(t, "https://img.example/out.webp", posted.Image.URL)
	assert.Equal(t, "Requested by Annie", posted.Footer.Text)

	require.Len(t, handler.edits, 1)
	edited := *handler.edits[0].Embeds
	require.Len(t, edited, 1)
	assert.Equal(t, embedColorSuccess, edited[0].Color)
	assert.Contains(
		t,
		edited[0].Description,
		"https://discord.com/channels/"+testGuildID+"/"+testChannelID+"/",
	)

	var records []ImagineCommand
	require.NoError(t, bot.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, RecordStateCompleted, records[0].State)
	assert.Equal(t, AspectRatioLandscape, records[0].AspectRatio)
	assert.Equal(t, "https://img.example/out.webp", records[0].ImageURL)
	assert.NotEmpty(t, records[0].MessageID)
	assert.Equal(t, 1.0, counterValue(t, bot.metrics.ImagesGenerated.WithLabelValues(outcomeSuccess)))
}

func TestGemcord_CommandImagineFailed(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(
		t,
		`{"msg":"process_completed","success":false,"output":{"error":"GPU quota exceeded"}}`,
	)
	bot, session := newTestGemcord(t, nil)
	bot.images = testImageClient(q)

	handler := &fakeInteractionHandler{
		interaction: testInteraction(
			DiscordSlashCommandImagine,
			stringOption(imagineOptionPrompt, "a lighthouse"),
		),
	}
	bot.handleInteraction(context.Background(), handler)

	assert.Empty(t, session.sent())
	require.Len(t, handler.edits, 1)
	edited := *handler.edits[0].Embeds
	assert.Equal(t, embedColorError, edited[0].Color)
	assert.Contains(t, edited[0].Description, "GPU quota exceeded")

	var records []ImagineCommand
	require.NoError(t, bot.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, RecordStateFailed, records[0].State)
	assert.Contains(t, records[0].Error, "GPU quota exceeded")
	assert.Equal(t, 1.0, counterValue(t, bot.metrics.ImagesGenerated.WithLabelValues(outcomeFailure)))
}

func TestGemcord_HandleInteractionIgnored(t *testing.T) {
	t.Parallel()
	bot, _ := newTestGemcord(t, nil)

	fromBot := testInteraction(DiscordSlashCommandMemory)
	fromBot.Member.User.Bot = true
	handler := &fakeInteractionHandler{interaction: fromBot}
	bot.handleInteraction(context.Background(), handler)
	assert.Empty(t, handler.responses)

	ping := testInteraction(DiscordSlashCommandMemory)
	ping.Type = discordgo.InteractionPing
	handler = &fakeInteractionHandler{interaction: ping}
	bot.handleInteraction(context.Background(), handler)
	assert.Empty(t, handler.responses)

	unknown := &fakeInteractionHandler{interaction: testInteraction("unknown")}
	bot.handleInteraction(context.Background(), unknown)
	assert.Empty(t, unknown.responses)
}

func TestGatewayHandler(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	handler := GatewayHandler{
		session:     session,
		interaction: testInteraction(DiscordSlashCommandMemory),
		logger:      slog.Default(),
	}

	require.NoError(t, handler.Respond(context.Background(), textResponse("hi", 0)))
	_, err := handler.Edit(context.Background(), &discordgo.WebhookEdit{})
	require.NoError(t, err)
	assert.Equal(t, 1, session.called("InteractionRespond"))
	assert.Equal(t, 1, session.called("InteractionResponseEdit"))
}

func TestMessageLink(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		"https://discord.com/channels/1/2/3",
		messageLink("1", "2", "3"),
	)
}
