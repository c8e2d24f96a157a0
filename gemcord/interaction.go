package gemcord

import (
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"time"
)

// RecordState is the processing state of an audit record
type RecordState string

const (
	RecordStateReceived  RecordState = "received"
	RecordStateCompleted RecordState = "completed"
	RecordStateFailed    RecordState = "failed"
)

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Command       string `json:"command" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"index"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(i *discordgo.InteractionCreate) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.Command = i.ApplicationCommandData().Name
	}
	if u := interactionUser(i); u != nil {
		interactionLog.UserID = u.ID
		interactionLog.Username = u.Username
	}
	return interactionLog, nil
}

// interactionUser returns the user who triggered the interaction, which
// is set on the member for guild interactions
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// ImagineCommand records a single /imagine request and its outcome
//
//nolint:lll // struct tags can't be split
type ImagineCommand struct {
	ModelUintID
	ModelUnixTime
	InteractionID string      `json:"interaction_id" gorm:"not null;uniqueIndex"`
	GuildID       string      `json:"guild_id" gorm:"index"`
	ChannelID     string      `json:"channel_id"`
	UserID        string      `json:"user_id" gorm:"index"`
	Username      string      `json:"username"`
	Prompt        string      `json:"prompt"`
	AspectRatio   AspectRatio `json:"aspect_ratio" gorm:"type:string"`
	State         RecordState `json:"state" gorm:"type:string;index"`
	ImageURL      string      `json:"image_url"`
	MessageID     string      `json:"message_id"`
	Error         string      `json:"error"`
	StartedAt     *time.Time  `json:"started_at" gorm:"type:timestamp"`
	FinishedAt    *time.Time  `json:"finished_at" gorm:"type:timestamp"`
}

func (c ImagineCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String("interaction_id", c.InteractionID),
		slog.String("guild_id", c.GuildID),
		slog.String("user_id", c.UserID),
		slog.String("aspect_ratio", string(c.AspectRatio)),
		slog.String(columnState, string(c.State)),
	)
}

// MessageLog records a single chat message handled by the bot, and the
// outcome of answering it
//
//nolint:lll // struct tags can't be split
type MessageLog struct {
	ModelUintID
	ModelUnixTime
	MessageID       string      `json:"message_id" gorm:"not null;index"`
	GuildID         string      `json:"guild_id" gorm:"index"`
	ChannelID       string      `json:"channel_id"`
	UserID          string      `json:"user_id" gorm:"index"`
	Username        string      `json:"username"`
	TraceID         string      `json:"trace_id" gorm:"index"`
	PromptLength    int         `json:"prompt_length"`
	Attachments     int         `json:"attachments"`
	Attempts        int         `json:"attempts"`
	Pruned          int         `json:"pruned"`
	State           RecordState `json:"state" gorm:"type:string;index"`
	Error           string      `json:"error"`
	ReplyLength     int         `json:"reply_length"`
	Chunks          int         `json:"chunks"`
	SentAsFile      bool        `json:"sent_as_file"`
	PromptTokens    int         `json:"prompt_tokens"`
	ReplyTokens     int         `json:"reply_tokens"`
	StartedAt       *time.Time  `json:"started_at" gorm:"type:timestamp"`
	FinishedAt      *time.Time  `json:"finished_at" gorm:"type:timestamp"`
	ReplyMessageIDs string      `json:"reply_message_ids"`
}

func newMessageLog(m *discordgo.Message, traceID string) *MessageLog {
	started := time.Now().UTC()
	ml := &MessageLog{
		MessageID:    m.ID,
		GuildID:      m.GuildID,
		ChannelID:    m.ChannelID,
		TraceID:      traceID,
		PromptLength: len([]rune(m.Content)),
		Attachments:  len(m.Attachments),
		State:        RecordStateReceived,
		StartedAt:    &started,
	}
	if m.Author != nil {
		ml.UserID = m.Author.ID
		ml.Username = m.Author.Username
	}
	return ml
}

func (m MessageLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(m.ID)),
		slog.String("message_id", m.MessageID),
		slog.String("guild_id", m.GuildID),
		slog.String("trace_id", m.TraceID),
		slog.Int("attempts", m.Attempts),
		slog.String(columnState, string(m.State)),
	)
}
