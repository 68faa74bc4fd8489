package bridge

import (
	"fmt"
	"sort"
	"strings"

	"carecall/internal/accounts"
	"carecall/internal/ledger"
)

// PromptInput is everything the system prompt is built from.
type PromptInput struct {
	Line            accounts.Line
	Account         accounts.Account
	Allowance       ledger.Allowance
	MemorySummary   string
	ReminderMessage string
	IsReminderCall  bool
	Inbound         bool

	LowMinutesThreshold int
}

func (in PromptInput) lowMinutes() bool {
	if in.Allowance.Metered {
		return false
	}
	return in.Allowance.Remaining() <= in.LowMinutesThreshold
}

// BuildPrompt renders the instructions sent to the model at session start.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	name := in.Line.DisplayName
	if name == "" {
		name = "the person"
	}
	fmt.Fprintf(&b, "You are a warm, patient companion on a phone call with %s.\n", name)
	b.WriteString("Speak slowly and clearly, keep replies short, and let them finish before you answer.\n")
	if in.Line.Language != "" {
		fmt.Fprintf(&b, "Speak in %s.\n", in.Line.Language)
	}
	if in.Line.Timezone != "" {
		fmt.Fprintf(&b, "Their local timezone is %s; use it for any times you mention or schedule.\n", in.Line.Timezone)
	}

	if len(in.Line.Preferences) > 0 {
		keys := make([]string, 0, len(in.Line.Preferences))
		for k := range in.Line.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nPreferences:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, in.Line.Preferences[k])
		}
	}

	if s := strings.TrimSpace(in.MemorySummary); s != "" {
		b.WriteString("\nWhat they have shared before:\n")
		b.WriteString(s)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case !in.Line.FirstCallCompleted:
		b.WriteString("This is your first call together. Introduce yourself and explain you will call regularly to check in.\n")
	case in.Inbound:
		b.WriteString("They called you. Greet them and ask how you can help.\n")
	default:
		b.WriteString("This is a regular check-in call.\n")
	}

	if in.IsReminderCall {
		b.WriteString("This call delivers a reminder. Give it early and make sure it was understood:\n")
		fmt.Fprintf(&b, "%q\n", in.ReminderMessage)
	}

	if in.lowMinutes() {
		fmt.Fprintf(&b, "\nOnly %d minutes of calling remain on this account. Mention it gently once, and offer to help upgrade the plan if they ask.\n",
			in.Allowance.Remaining())
	}

	b.WriteString("\nIf they ask to stop receiving calls, confirm, use opt_out, and say goodbye.\n")
	b.WriteString("If they say anything suggesting they are unsafe or unwell, use log_safety_concern.\n")
	b.WriteString("Never store anything they mark as private.\n")
	return b.String()
}
