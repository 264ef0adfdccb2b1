package slackbot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"insightstream/internal/domain"
	"insightstream/internal/httpx"
)

// Notifier posts abandoned-run alerts to a Slack channel.
type Notifier struct {
	api       *slack.Client
	channelID string
}

func NewNotifier(token, channelID string, opts ...slack.Option) *Notifier {
	opts = append([]slack.Option{slack.OptionHTTPClient(httpx.ExternalHTTPClient())}, opts...)
	return &Notifier{
		api:       slack.New(token, opts...),
		channelID: channelID,
	}
}

func (n *Notifier) RunAbandoned(ctx context.Context, run domain.WorkflowRun, step string) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(formatAbandonedMessage(run, step), false))
	if err != nil {
		return fmt.Errorf("post abandoned alert: %w", err)
	}
	return nil
}

const maxQuotedText = 280

func formatAbandonedMessage(run domain.WorkflowRun, step string) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: Feedback analysis abandoned at *%s* after %d attempts\n", step, run.Attempts(step))
	fmt.Fprintf(&b, "Run: `%s`\n", run.ID)
	if !run.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Submitted: %s\n", run.CreatedAt.UTC().Format(time.RFC3339))
	}
	if run.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", run.LastError)
	}
	text := strings.TrimSpace(run.Text)
	if r := []rune(text); len(r) > maxQuotedText {
		text = string(r[:maxQuotedText]) + "..."
	}
	if text != "" {
		fmt.Fprintf(&b, "> %s\n", strings.ReplaceAll(text, "\n", "\n> "))
	}
	fmt.Fprintf(&b, "Retry with `insightstream runs retry %s`", run.ID)
	return b.String()
}
