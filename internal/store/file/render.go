package file

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/trialogue/internal/store"
)

var personaTitles = map[store.Persona]string{
	store.PersonaAnalyzer:  "Analyzer",
	store.PersonaSolver:    "Solver",
	store.PersonaModerator: "Moderator",
}

// RenderMarkdown produces the human-readable sibling document of a journal.
func RenderMarkdown(d *store.Discussion) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Discussion: %s\n\n", d.Topic)
	fmt.Fprintf(&b, "- ID: %s\n", d.ID)
	fmt.Fprintf(&b, "- Owner: %s\n", d.UserID)
	fmt.Fprintf(&b, "- Created: %s\n", fmtMillis(d.CreatedAt))
	fmt.Fprintf(&b, "- Updated: %s\n", fmtMillis(d.UpdatedAt))
	fmt.Fprintf(&b, "- Rounds: %d\n", len(d.Rounds))
	if d.IsResolved {
		b.WriteString("- Status: resolved\n")
	} else {
		b.WriteString("- Status: active\n")
	}
	b.WriteString("\n")

	if len(d.Files) > 0 {
		b.WriteString("## Attachments\n\n")
		for _, f := range d.Files {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", f.Name, f.Type, f.Size)
		}
		b.WriteString("\n")
	}

	for _, sum := range d.Summaries {
		fmt.Fprintf(&b, "## Summary (through round %d)\n\n", sum.RoundNumber)
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(sum.Summary))
	}

	for i := range d.Rounds {
		r := &d.Rounds[i]
		fmt.Fprintf(&b, "## Round %d\n\n", r.RoundNumber)
		for _, p := range store.Personas {
			resp := r.Slot(p)
			if resp.Empty() {
				continue
			}
			fmt.Fprintf(&b, "### %s (turn %d)\n\n", personaTitles[p], resp.Turn)
			fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(resp.Content))
		}
		if r.Questions != nil {
			b.WriteString("### Questions\n\n")
			for _, q := range r.Questions.Questions {
				fmt.Fprintf(&b, "- **%s**\n", q.Prompt)
				for _, o := range q.Options {
					marker := " "
					for _, sel := range q.Selected {
						if sel == o.ID {
							marker = "x"
						}
					}
					fmt.Fprintf(&b, "  - [%s] %s\n", marker, o.Text)
				}
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

func fmtMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
