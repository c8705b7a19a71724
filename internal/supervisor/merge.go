package supervisor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Holovkat/cli-team-bridge/internal/acp"
)

// contentItem is the loosely-typed shape of one entry in a
// session_update's content[] array.
type contentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	URI       string          `json:"uri,omitempty"`
	OldText   string          `json:"oldText,omitempty"`
	NewText   string          `json:"newText,omitempty"`
	Output    string          `json:"output,omitempty"`
	RawOutput json.RawMessage `json:"-"`
}

// extractText pulls text out of an agent_message_chunk's content, which
// may be a single content object or an array of them.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single contentItem
	if err := json.Unmarshal(raw, &single); err == nil && single.Text != "" {
		return single.Text
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var b strings.Builder
		for _, it := range items {
			b.WriteString(it.Text)
		}
		return b.String()
	}
	return ""
}

// extractToolContent implements the tool-content extraction rule: for
// each content item, content text is appended directly, diffs are
// labeled with their uri, terminal items contribute their output, and
// rawOutput is included only when its serialized form is non-empty and
// under 10000 bytes.
func extractToolContent(upd acp.SessionUpdate) string {
	var items []contentItem
	if len(upd.Content) > 0 {
		if err := json.Unmarshal(upd.Content, &items); err != nil {
			var single contentItem
			if err := json.Unmarshal(upd.Content, &single); err == nil {
				items = []contentItem{single}
			}
		}
	}

	var b strings.Builder
	for _, it := range items {
		switch it.Type {
		case "content":
			if it.Text != "" {
				b.WriteString(it.Text)
				b.WriteString("\n")
			}
		case "diff":
			fmt.Fprintf(&b, "--- diff: %s ---\n%s\n", it.URI, it.NewText)
		case "terminal":
			if it.Output != "" {
				b.WriteString(it.Output)
				b.WriteString("\n")
			}
		}
	}

	if len(upd.RawOutput) > 0 && len(upd.RawOutput) < rawOutputMax {
		b.Write(upd.RawOutput)
		b.WriteString("\n")
	}

	return b.String()
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// mergeOutputs combines the agent's direct text output with whatever
// was extracted from tool calls, per the bridge's output-merging rule:
// concatenate the two (labeled) when both are substantial and the tool
// output isn't already restated in the agent output; otherwise return a
// substantial agent output alone, or the (possibly empty) agent output
// followed by the labeled tool output when there is any tool output.
func mergeOutputs(agentOutput, toolOutput string) string {
	const agentSubstantial = 500
	const toolSubstantial = 100
	const toolPrefixCheck = 200

	if len(agentOutput) > agentSubstantial && len(toolOutput) > toolSubstantial {
		prefix := toolOutput
		if len(prefix) > toolPrefixCheck {
			prefix = prefix[:toolPrefixCheck]
		}
		if !strings.Contains(agentOutput, prefix) {
			return agentOutput + "\n\n--- Tool Output ---\n" + toolOutput
		}
	}
	if len(agentOutput) > agentSubstantial {
		return agentOutput
	}
	if toolOutput != "" {
		return agentOutput + "\n\n--- Tool Output ---\n" + toolOutput
	}
	return agentOutput
}
