// Package notify posts operator notifications to a Discord channel.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/models"
)

const queueSize = 64

type sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord delivers notifications from a background goroutine so callers on
// the request path never wait on Discord.
type Discord struct {
	session   sender
	channelID string

	mu     sync.Mutex
	closed bool
	queue  chan *discordgo.MessageSend
	done   chan struct{}
}

func NewDiscord(botToken, channelID string) (*Discord, error) {
	if botToken == "" || channelID == "" {
		return nil, fmt.Errorf("discord bot token and channel id are required")
	}
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return newDiscord(s, channelID), nil
}

func newDiscord(s sender, channelID string) *Discord {
	d := &Discord{
		session:   s,
		channelID: channelID,
		queue:     make(chan *discordgo.MessageSend, queueSize),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Discord) run() {
	defer close(d.done)
	for msg := range d.queue {
		if _, err := d.session.ChannelMessageSendComplex(d.channelID, msg); err != nil {
			log.Error().Err(err).Str("channel_id", d.channelID).Msg("Failed to send Discord notification")
		}
	}
}

func (d *Discord) enqueue(msg *discordgo.MessageSend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- msg:
	default:
		log.Warn().Msg("Discord notification queue full, dropping message")
	}
}

// PaymentVerified announces a newly recorded payment.
func (d *Discord) PaymentVerified(rec models.PaymentRecord) {
	d.enqueue(&discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title: "Payment received",
			Color: 0x2ecc71,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Scan", Value: rec.ScanID, Inline: true},
				{Name: "Amount", Value: rec.Amount, Inline: true},
				{Name: "Network", Value: rec.Network, Inline: true},
				{Name: "Payer", Value: rec.Payer, Inline: false},
				{Name: "Transaction", Value: rec.TxHash, Inline: false},
			},
			Footer:    &discordgo.MessageEmbedFooter{Text: "scanguard gateway"},
			Timestamp: rec.Timestamp.Format(time.RFC3339),
		}},
	})
}

// Alert sends a plain warning message.
func (d *Discord) Alert(msg string) {
	d.enqueue(&discordgo.MessageSend{Content: ":warning: " + msg})
}

// Close flushes queued messages and stops the sender.
func (d *Discord) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}
