package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/anchorhq/anchor/internal/models"
)

// Client wraps the Anthropic API for screen analysis and session summaries.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// ScreenContext is the page context sent along with a screenshot.
type ScreenContext struct {
	Goal  string
	URL   string
	Title string
}

// buildAnalyzePrompt constructs the system and user prompts for a screen
// distraction verdict.
func buildAnalyzePrompt(sc ScreenContext) (system string, user string) {
	system = `You judge whether a screenshot of the user's screen shows content aligned with their stated focus goal. Return ONLY a JSON object with these fields:
- "distracted": boolean, true if the visible content does not serve the goal
- "confidence": number between 0 and 1
- "reason": one short sentence naming what is on screen and why it does or does not serve the goal
- "suggested_action": one of "none", "nudge", "block"
- "categories": array of short content labels, e.g. ["video", "social"], may be empty

Rules:
- Judge the dominant visible content, not incidental chrome or sidebars
- Reference material, documentation, and search results related to the goal are NOT distractions
- Communication tools are distractions only when the visible conversation is unrelated to the goal
- Use "block" only for clearly recreational content with high confidence
- When the screenshot is ambiguous, prefer "none" with low confidence
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Focus goal: ")
	sb.WriteString(sc.Goal)
	sb.WriteString("\n")
	if sc.URL != "" {
		sb.WriteString("Current URL: ")
		sb.WriteString(sc.URL)
		sb.WriteString("\n")
	}
	if sc.Title != "" {
		sb.WriteString("Page title: ")
		sb.WriteString(sc.Title)
		sb.WriteString("\n")
	}
	sb.WriteString("\nJudge the attached screenshot against the goal.")
	user = sb.String()
	return
}

// AnalyzeScreen sends a screenshot data URL to the LLM and returns a
// distraction verdict.
func (c *Client) AnalyzeScreen(ctx context.Context, sc ScreenContext, screenshotDataURL string) (*models.Verdict, error) {
	mediaType, b64, err := ParseImageDataURL(screenshotDataURL)
	if err != nil {
		return nil, err
	}

	systemPrompt, userPrompt := buildAnalyzePrompt(sc)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, b64),
				anthropic.NewTextBlock(userPrompt),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	text := responseText(msg)
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	text = stripFencing(text)

	var verdict models.Verdict
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if verdict.SuggestedAction == "" {
		verdict.SuggestedAction = models.ActionNone
	}
	return &verdict, nil
}

// buildSummaryPrompt constructs the prompts for an end-of-session summary
// from the verdict log.
func buildSummaryPrompt(goal string, log []models.VerdictLogEntry) (system string, user string) {
	system = `You write a short end-of-focus-session recap. Given a goal and a timestamped activity log, return 2-4 plain sentences: how well the session served the goal, the main distraction if there was one, and one concrete suggestion for the next session. No headings, no bullet points, no JSON.`

	var sb strings.Builder
	sb.WriteString("Goal: ")
	sb.WriteString(goal)
	sb.WriteString("\n\nActivity log:\n")
	for _, e := range log {
		status := "off track"
		if e.OnTrack {
			status = "on track"
		}
		fmt.Fprintf(&sb, "- %s [%s] %s\n", time.UnixMilli(e.Timestamp).Format("15:04:05"), status, e.Reason)
	}
	if len(log) == 0 {
		sb.WriteString("(no analysis entries were recorded)\n")
	}
	user = sb.String()
	return
}

// SummarizeSession asks the LLM for a recap of the session's verdict log.
func (c *Client) SummarizeSession(ctx context.Context, goal string, log []models.VerdictLogEntry) (string, error) {
	systemPrompt, userPrompt := buildSummaryPrompt(goal, log)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	text := responseText(msg)
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return strings.TrimSpace(text), nil
}

// responseText extracts the first text block from a response.
func responseText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// stripFencing removes markdown code fencing if present.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
