package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanguard/gateway/internal/models"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*discordgo.MessageSend
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func TestDiscordDeliversInOrder(t *testing.T) {
	f := &fakeSender{}
	d := newDiscord(f, "123")

	d.Alert("zero payee")
	d.PaymentVerified(models.PaymentRecord{ScanID: "scan_1", Amount: "10000", Timestamp: time.Now()})
	d.Close()
	d.Close()

	require.Len(t, f.sent, 2)
	assert.Contains(t, f.sent[0].Content, "zero payee")
	require.Len(t, f.sent[1].Embeds, 1)
	assert.Equal(t, "scan_1", f.sent[1].Embeds[0].Fields[0].Value)

	// after Close messages are dropped silently
	d.Alert("late")
	assert.Len(t, f.sent, 2)
}

func TestNewDiscordRequiresCredentials(t *testing.T) {
	_, err := NewDiscord("", "123")
	assert.Error(t, err)
}
