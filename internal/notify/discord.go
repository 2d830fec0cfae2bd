package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/approval"
)

// DiscordNotifier posts pending approvals to a Discord channel and
// resolves them from replies.
type DiscordNotifier struct {
	token     string
	channelID string
	session   *discordgo.Session
	gate      *approval.Gate
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier.
func NewDiscordNotifier(token, channelID string, gate *approval.Gate, logger *zap.Logger) *DiscordNotifier {
	return &DiscordNotifier{
		token:     token,
		channelID: channelID,
		gate:      gate,
		logger:    logger,
	}
}

// Connect opens the Discord gateway websocket.
func (n *DiscordNotifier) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + n.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	n.session = session

	n.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	n.session.AddHandler(n.onMessageCreate)

	if err := n.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	n.logger.Info("discord notifier connected",
		zap.String("user", n.session.State.User.Username),
		zap.String("channel", n.channelID))
	return nil
}

func (n *DiscordNotifier) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.ChannelID != n.channelID {
		return
	}
	cmd, ok := ParseCommand(m.Content)
	if !ok {
		return
	}
	resolvedBy := fmt.Sprintf("discord:%s", m.Author.Username)
	if err := n.gate.Resolve(cmd.ApprovalID, cmd.Decision, cmd.Args, resolvedBy); err != nil {
		n.post(fmt.Sprintf("could not resolve %s: %v", cmd.ApprovalID, err))
		return
	}
	n.post(fmt.Sprintf("%s: %s by %s", cmd.ApprovalID, cmd.Decision, m.Author.Username))
}

func (n *DiscordNotifier) post(content string) {
	if _, err := n.session.ChannelMessageSend(n.channelID, content); err != nil {
		n.logger.Warn("discord post failed", zap.Error(err))
	}
}

// NotifyPending posts a pending approval to the configured channel.
func (n *DiscordNotifier) NotifyPending(_ context.Context, p *approval.Pending) error {
	if _, err := n.session.ChannelMessageSend(n.channelID, FormatPending(p)); err != nil {
		return fmt.Errorf("discord notify: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (n *DiscordNotifier) Close() error {
	if n.session != nil {
		return n.session.Close()
	}
	return nil
}

var _ approval.Notifier = (*DiscordNotifier)(nil)
