package agent

import (
	"fmt"
	"sort"
	"strings"
)

// CompressionStrategy selects how an over-budget conversation is shrunk
// before the next provider round trip.
type CompressionStrategy string

const (
	// CompressionNone sends the conversation as is.
	CompressionNone CompressionStrategy = "none"
	// CompressionWindow keeps the first user message and the most recent
	// KeepRecent messages.
	CompressionWindow CompressionStrategy = "window"
	// CompressionTruncate drops oldest messages until the estimate fits
	// the budget.
	CompressionTruncate CompressionStrategy = "truncate"
	// CompressionSummarize replaces the dropped prefix with a short
	// structural summary message.
	CompressionSummarize CompressionStrategy = "summarize"
)

// CompressionConfig bounds conversation growth across loop iterations.
type CompressionConfig struct {
	Strategy CompressionStrategy
	// TokenThreshold triggers compression when the estimate exceeds it.
	// Zero disables compression.
	TokenThreshold int
	// KeepRecent is the window size for CompressionWindow.
	KeepRecent int
}

// EstimateTokens approximates the token count of a conversation at four
// characters per token, rounded up per message. Good enough to trigger
// compression; never used for billing.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		chars := len(m.Content)
		for _, call := range m.ToolCalls {
			chars += len(call.Name) + len(call.Arguments)
		}
		total += (chars + 3) / 4
	}
	return total
}

// Compress applies the configured strategy when the conversation exceeds
// the threshold. Tool-call pairing is preserved: a tool result message is
// never kept without the assistant turn that requested it, so the cut point
// moves forward past orphaned tool results.
func Compress(msgs []Message, cfg CompressionConfig) []Message {
	if cfg.Strategy == "" || cfg.Strategy == CompressionNone || cfg.TokenThreshold <= 0 {
		return msgs
	}
	if EstimateTokens(msgs) <= cfg.TokenThreshold {
		return msgs
	}

	switch cfg.Strategy {
	case CompressionWindow:
		keep := cfg.KeepRecent
		if keep <= 0 {
			keep = 10
		}
		if len(msgs) <= keep+1 {
			return msgs
		}
		cut := len(msgs) - keep
		out := make([]Message, 0, keep+1)
		out = append(out, msgs[0])
		out = append(out, msgs[alignCut(msgs, cut):]...)
		return out

	case CompressionTruncate:
		cut := 0
		for cut < len(msgs)-1 && EstimateTokens(msgs[cut:]) > cfg.TokenThreshold {
			cut++
		}
		return msgs[alignCut(msgs, cut):]

	case CompressionSummarize:
		cut := 0
		for cut < len(msgs)-1 && EstimateTokens(msgs[cut:]) > cfg.TokenThreshold {
			cut++
		}
		cut = alignCut(msgs, cut)
		if cut == 0 {
			return msgs
		}
		out := make([]Message, 0, len(msgs)-cut+1)
		out = append(out, Message{Role: RoleUser, Content: summarizePrefix(msgs[:cut])})
		out = append(out, msgs[cut:]...)
		return out
	}
	return msgs
}

// summarizePrefix condenses dropped messages into a structural note so the
// model keeps minimal continuity without the full text.
func summarizePrefix(dropped []Message) string {
	turns := 0
	toolsUsed := make(map[string]struct{})
	for _, m := range dropped {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			turns++
		}
		for _, call := range m.ToolCalls {
			toolsUsed[call.Name] = struct{}{}
		}
	}
	note := fmt.Sprintf("[Earlier conversation compressed: %d turns omitted", turns)
	if len(toolsUsed) > 0 {
		names := make([]string, 0, len(toolsUsed))
		for name := range toolsUsed {
			names = append(names, name)
		}
		sort.Strings(names)
		note += "; tools used: " + strings.Join(names, ", ")
	}
	return note + ".]"
}

// alignCut moves the cut point forward past tool results whose requesting
// assistant turn falls before the cut.
func alignCut(msgs []Message, cut int) int {
	for cut < len(msgs) && msgs[cut].Role == RoleTool {
		cut++
	}
	if cut >= len(msgs) {
		return len(msgs) - 1
	}
	return cut
}
