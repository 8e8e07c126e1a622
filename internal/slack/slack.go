// Package slack delivers filings to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"fcc_monitor/internal/errs"
	"fcc_monitor/internal/format"
	"fcc_monitor/internal/model"
)

const serviceName = "Slack webhook"

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type block struct {
	Type string `json:"type"`
	Text text   `json:"text"`
}

// Message is a Block Kit payload.
type Message struct {
	Blocks []block `json:"blocks"`
}

// Notifier posts batches of filings to one webhook.
type Notifier struct {
	url  string
	http HTTPClient
	log  *slog.Logger
}

// NewNotifier creates a Notifier. An empty url makes every send fail with a
// ConfigError.
func NewNotifier(url string, hc HTTPClient, log *slog.Logger) *Notifier {
	return &Notifier{url: url, http: hc, log: log}
}

// Configured reports whether a webhook URL is set.
func (n *Notifier) Configured() bool { return n.url != "" }

// Notify renders filings with tmpl and sends them as one message.
func (n *Notifier) Notify(ctx context.Context, filings []model.Filing, tmpl string) error {
	if n.url == "" {
		return &errs.ConfigError{Key: "SLACK_WEBHOOK_URL"}
	}
	if len(filings) == 0 {
		n.log.Debug("no filings to send to slack")
		return nil
	}
	if err := n.send(ctx, BuildMessage(filings, tmpl)); err != nil {
		return err
	}
	n.log.Info("sent filings to slack", "count", len(filings))
	return nil
}

// TestSend sends the sample filing rendered with tmpl and returns the
// rendered text.
func (n *Notifier) TestSend(ctx context.Context, tmpl string) (string, error) {
	sample := format.SampleFiling()
	preview := format.ForSlack(tmpl, sample)
	if err := n.Notify(ctx, []model.Filing{sample}, tmpl); err != nil {
		return preview, err
	}
	return preview, nil
}

// BuildMessage lays out filings as a header followed by one fenced section
// per filing.
func BuildMessage(filings []model.Filing, tmpl string) Message {
	blocks := make([]block, 0, len(filings)+1)
	blocks = append(blocks, block{
		Type: "header",
		Text: text{Type: "plain_text", Text: fmt.Sprintf("📝 New FCC Filings (%d)", len(filings)), Emoji: true},
	})
	for _, f := range filings {
		blocks = append(blocks, block{
			Type: "section",
			Text: text{Type: "mrkdwn", Text: "```" + format.ForSlack(tmpl, f) + "```"},
		})
	}
	return Message{Blocks: blocks}
}

func (n *Notifier) send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return &errs.UpstreamError{Service: serviceName, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &errs.UpstreamError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	return nil
}
