package inference

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/SocialClaw/internal/memory"
)

const thinkSystemPrompt = `You are SocialClaw, an assistant that takes part in chat conversations on
behalf of its owner. Read the new messages in the context of the channel's
memory and summary. Decide what, if anything, should happen next and why.
Answer with your reasoning in plain text. Do not write the reply itself.`

const planSystemPrompt = `You turn reasoning into actions. Only use the capabilities listed below,
with parameters matching their schemas. Respond with a single JSON object:
{"actions":[{"channel":"<channel>","capability":"<name>","parameters":{...}}]}
Use an empty actions list when nothing should be done.`

const feedbackSystemPrompt = `You review the results of actions an assistant just executed. Decide whether
another round of actions is needed (for example a failed reply that should be
retried differently). Respond with a single JSON object:
{"follow_up_needed":true|false,"notes":"<what the next round should do>"}`

func thinkMessages(req ThinkRequest) []chatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel: %s\n", req.Channel)
	if req.Summary != "" {
		fmt.Fprintf(&sb, "\nSummary so far:\n%s\n", req.Summary)
	}
	if len(req.Memory) > 0 {
		sb.WriteString("\nRecent memory:\n")
		for _, e := range req.Memory {
			sb.WriteString(memory.FormatEntry(e))
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("\nNew messages:\n")
	for _, m := range req.Messages {
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		fmt.Fprintf(&sb, "[%s] %s (%s, id=%s): %s\n",
			m.Timestamp.UTC().Format(time.RFC3339), who, m.MessageType(), m.MessageID, m.Content)
	}
	return []chatMessage{
		{Role: "system", Content: thinkSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func planMessages(req PlanRequest) []chatMessage {
	caps, _ := json.MarshalIndent(req.Capabilities, "", "  ")
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel: %s\n\nReasoning:\n%s\n\nCapabilities:\n%s\n", req.Channel, req.Reasoning.Text, caps)
	if req.FollowUp {
		outcomes, _ := json.MarshalIndent(req.Outcomes, "", "  ")
		fmt.Fprintf(&sb, "\nFollow-up phase %d. Results of the previous actions:\n%s\n", req.Phase, outcomes)
		if req.Notes != "" {
			fmt.Fprintf(&sb, "Reviewer notes: %s\n", req.Notes)
		}
	}
	return []chatMessage{
		{Role: "system", Content: planSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func feedbackMessages(req FeedbackRequest) []chatMessage {
	outcomes, _ := json.MarshalIndent(req.Outcomes, "", "  ")
	content := fmt.Sprintf("Channel: %s\n\nOriginal reasoning:\n%s\n\nAction results:\n%s\n",
		req.Channel, req.Reasoning.Text, outcomes)
	return []chatMessage{
		{Role: "system", Content: feedbackSystemPrompt},
		{Role: "user", Content: content},
	}
}

type chatMessage struct {
	Role    string
	Content string
}
