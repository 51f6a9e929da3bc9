package notify

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/bus"
	"github.com/Bldg-7/airsentry/internal/shared"
)

// Embed colors per alert severity.
const (
	colorDanger  = 0xCC3333
	colorWarning = 0xFF9900
	colorCaution = 0xFFCC00
	colorInfo    = 0x3399FF
	colorNormal  = 0x00CC66
)

// rate limit window for repeated alerts of the same (sid, sensor_type)
const repeatSuppress = 5 * time.Minute

// DiscordSession abstracts the discordgo.Session methods used by the
// notifier, enabling mock-based testing without real Discord API calls.
type DiscordSession interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// DiscordNotifier posts alert embeds to a configured channel. Repeated
// alerts from the same sensor and kind are suppressed for a few minutes so
// a flapping probe does not flood the channel.
type DiscordNotifier struct {
	session   DiscordSession
	channelID string
	logger    *zap.Logger

	lastPosted map[string]time.Time
}

// NewDiscordNotifier creates a notifier with a real discordgo session.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord alert channel is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordNotifier{
		session:    &realDiscordSession{s: dg},
		channelID:  channelID,
		logger:     logger,
		lastPosted: make(map[string]time.Time),
	}, nil
}

// NewDiscordNotifierWithSession creates a notifier with an injected session
// (for testing).
func NewDiscordNotifierWithSession(session DiscordSession, channelID string, logger *zap.Logger) *DiscordNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{
		session:    session,
		channelID:  channelID,
		logger:     logger,
		lastPosted: make(map[string]time.Time),
	}
}

// Start opens the gateway connection.
func (n *DiscordNotifier) Start() error {
	if err := n.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	n.logger.Info("discord notifier started", zap.String("channel", n.channelID))
	return nil
}

// Stop closes the gateway connection.
func (n *DiscordNotifier) Stop() error {
	return n.session.Close()
}

// Notify posts one alert event. Called from the single bus pump goroutine,
// so lastPosted needs no locking.
func (n *DiscordNotifier) Notify(ev bus.Event) {
	key := ev.SID + "|" + ev.SensorType + "|" + ev.AlertLevel
	now := time.Now()
	if last, ok := n.lastPosted[key]; ok && now.Sub(last) < repeatSuppress {
		n.logger.Debug("alert suppressed, repeat within window",
			zap.String("sid", ev.SID),
			zap.String("sensor", ev.SensorType),
		)
		return
	}
	n.lastPosted[key] = now

	embed := buildAlertEmbed(ev)
	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		n.logger.Error("alert post failed",
			zap.String("sid", ev.SID),
			zap.String("sensor", ev.SensorType),
			zap.Error(err),
		)
		return
	}
	n.logger.Info("alert posted",
		zap.String("sid", ev.SID),
		zap.String("sensor", ev.SensorType),
		zap.String("level", ev.AlertLevel),
	)
}

func levelColor(level string) int {
	switch level {
	case "danger":
		return colorDanger
	case "warning":
		return colorWarning
	case "caution":
		return colorCaution
	case "normal":
		return colorNormal
	default:
		return colorInfo
	}
}

func buildAlertEmbed(ev bus.Event) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Sensor", Value: ev.SID, Inline: true},
		{Name: "Kind", Value: ev.SensorType, Inline: true},
		{Name: "Level", Value: ev.AlertLevel, Inline: true},
	}
	if ev.CurrentValue != 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Value",
			Value:  fmt.Sprintf("%g", ev.CurrentValue),
			Inline: true,
		})
	}
	if ev.Peer != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Peer",
			Value:  ev.Peer,
			Inline: true,
		})
	}

	title := fmt.Sprintf("%s alert: %s", ev.SensorType, ev.AlertLevel)
	if ev.AlertType == "water_leak_alert" {
		title = "Water leak detected"
	} else if ev.AlertType == "water_normal_alert" {
		title = "Water back to normal"
	}

	return &discordgo.MessageEmbed{
		Title:       title,
		Description: ev.Message,
		Color:       levelColor(ev.AlertLevel),
		Fields:      fields,
		Timestamp:   shared.FromUnix(ev.TS).UTC().Format(time.RFC3339),
	}
}
