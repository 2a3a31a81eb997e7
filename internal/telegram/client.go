// Package telegram provides a client for sending notifications via Telegram Bot API.
// It formats flagged assessments into human-readable messages and handles
// delivery with retry logic for reliability.
//
// Messages use MarkdownV2, so every piece of dynamic text passes through
// escapeMarkdownV2 before it is embedded.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/cohortguard/internal/models"
)

// maxListed caps how many patients a single message lists.
const maxListed = 20

// sender is the subset of *tgbotapi.BotAPI the client uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	zThreshold     float64
}

// NewClient creates a new Telegram client. Features whose z-score exceeds
// zThreshold are listed for each flagged patient.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, zThreshold float64) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase, zThreshold)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration, zThreshold float64) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	if zThreshold <= 0 {
		zThreshold = 2.0
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		zThreshold:     zThreshold,
	}, nil
}

// Send sends one notification listing the flagged assessments.
// Nothing is sent for an empty list.
func (c *Client) Send(ctx context.Context, assessments []models.Assessment) error {
	if len(assessments) == 0 {
		return nil
	}

	msg := tgbotapi.NewMessage(c.chatID, c.formatMessage(assessments))
	msg.ParseMode = "MarkdownV2"

	// Send with retry
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("send cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatMessage formats flagged assessments into a Telegram message
func (c *Client) formatMessage(assessments []models.Assessment) string {
	var b strings.Builder
	b.WriteString("🚨 *Anomalous Patients Detected*\n\n")

	// Show run and time once at the top
	first := assessments[0]
	fmt.Fprintf(&b, "📅 Assessed: %s\n", escapeMarkdownV2(first.AssessedAt.Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "🧾 Run: `%s`\n\n", escapeMarkdownV2(first.RunID))

	for i, a := range assessments {
		if i == maxListed {
			fmt.Fprintf(&b, "…and %d more\n", len(assessments)-maxListed)
			break
		}

		fmt.Fprintf(&b, "%d\\. Patient *%s*\n", i+1, escapeMarkdownV2(a.PatientID))
		fmt.Fprintf(&b, "   🔎 Detectors: %s\n", escapeMarkdownV2(detectors(a.AssessmentResult)))
		fmt.Fprintf(&b, "   🌲 Isolation score: %s\n", escapeMarkdownV2(fmt.Sprintf("%.3f", a.IsolationScore)))
		if outliers := c.outlyingFeatures(a.ZScores); len(outliers) > 0 {
			fmt.Fprintf(&b, "   📏 Outlying: %s\n", escapeMarkdownV2(strings.Join(outliers, ", ")))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func detectors(r models.AssessmentResult) string {
	switch {
	case r.IsolationAnomaly && r.DistanceAnomaly:
		return "isolation forest + z-score"
	case r.IsolationAnomaly:
		return "isolation forest"
	case r.DistanceAnomaly:
		return "z-score"
	default:
		return "none"
	}
}

// outlyingFeatures lists features above the z threshold, largest first
func (c *Client) outlyingFeatures(zscores map[string]float64) []string {
	type feature struct {
		name string
		z    float64
	}
	var above []feature
	for _, name := range models.FeatureNames {
		if z := zscores[name]; z > c.zThreshold {
			above = append(above, feature{name, z})
		}
	}
	sort.SliceStable(above, func(i, j int) bool { return above[i].z > above[j].z })

	out := make([]string, len(above))
	for i, f := range above {
		out[i] = fmt.Sprintf("%s (z=%.1f)", f.name, f.z)
	}
	return out
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . ! \
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
