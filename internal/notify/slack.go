package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/approval"
)

// SlackNotifier posts pending approvals to a Slack channel over Socket
// Mode and resolves them from replies.
type SlackNotifier struct {
	client    *slack.Client
	socket    *socketmode.Client
	channelID string
	gate      *approval.Gate
	logger    *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. botToken is the Bot User
// OAuth Token (xoxb-...), appToken the App-Level Token (xapp-...) for
// Socket Mode.
func NewSlackNotifier(botToken, appToken, channelID string, gate *approval.Gate, logger *zap.Logger) *SlackNotifier {
	client := slack.New(botToken,
		slack.OptionAppLevelToken(appToken),
	)
	socket := socketmode.New(client,
		socketmode.OptionLog(zap.NewStdLog(logger)),
	)
	return &SlackNotifier{
		client:    client,
		socket:    socket,
		channelID: channelID,
		gate:      gate,
		logger:    logger,
	}
}

// Run starts the Socket Mode event loop and blocks until ctx ends.
func (n *SlackNotifier) Run(ctx context.Context) error {
	go n.handleEvents(ctx)
	n.logger.Info("slack notifier connected via socket mode",
		zap.String("channel", n.channelID))
	return n.socket.RunContext(ctx)
}

func (n *SlackNotifier) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-n.socket.Events:
			if !ok {
				return
			}
			n.processEvent(evt)
		}
	}
}

func (n *SlackNotifier) processEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	n.socket.Ack(*evt.Request)

	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || inner.BotID != "" || inner.Channel != n.channelID {
		return
	}

	cmd, ok := ParseCommand(inner.Text)
	if !ok {
		return
	}
	resolvedBy := fmt.Sprintf("slack:%s", inner.User)
	if err := n.gate.Resolve(cmd.ApprovalID, cmd.Decision, cmd.Args, resolvedBy); err != nil {
		n.reply(inner.ThreadTimeStamp, fmt.Sprintf("could not resolve %s: %v", cmd.ApprovalID, err))
		return
	}
	n.reply(inner.ThreadTimeStamp, fmt.Sprintf("%s: %s by <@%s>", cmd.ApprovalID, cmd.Decision, inner.User))
}

func (n *SlackNotifier) reply(threadTS, text string) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := n.client.PostMessage(n.channelID, opts...); err != nil {
		n.logger.Warn("slack reply failed", zap.Error(err))
	}
}

// NotifyPending posts a pending approval to the configured channel.
func (n *SlackNotifier) NotifyPending(_ context.Context, p *approval.Pending) error {
	_, _, err := n.client.PostMessage(n.channelID,
		slack.MsgOptionText(FormatPending(p), false))
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}

var _ approval.Notifier = (*SlackNotifier)(nil)
