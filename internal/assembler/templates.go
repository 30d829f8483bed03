package assembler

import (
	"fmt"

	"github.com/nextlevelbuilder/trialogue/internal/store"
)

// Template names the prompt shape chosen for a generation step.
type Template string

const (
	// TemplateFirstMessage is round 1, Analyzer only: no history exists.
	TemplateFirstMessage Template = "first-message"
	// TemplateNewRound is the Analyzer opening any round after the first.
	TemplateNewRound Template = "new-round"
	// TemplateContinuation is Solver or Moderator inside an active round.
	TemplateContinuation Template = "continuation"
	// TemplateUserInput applies when the message being answered came from
	// the user. The interactive surface does not currently emit one, but
	// journals written by older clients may still contain them.
	TemplateUserInput Template = "user-input"
	// TemplateFallback covers a non-fresh discussion where no message to
	// respond to could be determined.
	TemplateFallback Template = "fallback"
)

const (
	analyzerSystem = `You are the Analyzer in a three-way deliberation. Your job is to break the problem down: identify the key dimensions, constraints, trade-offs, and any hidden assumptions. You do not propose final solutions; you frame the problem so the Solver can. Be concrete and concise.`

	solverSystem = `You are the Solver in a three-way deliberation. Building directly on the Analyzer's framing, propose a concrete solution or course of action. Commit to specifics; name the trade-offs you are accepting and why. Do not restate the analysis.`

	moderatorSystem = `You are the Moderator in a three-way deliberation. Weigh the Analyzer's framing against the Solver's proposal. Point out gaps, challenge weak reasoning, and steer the group toward convergence. If the proposal is sound, say so plainly and state what remains open.`
)

// SystemPrompt returns the persona's standing instruction.
func SystemPrompt(p store.Persona) string {
	switch p {
	case store.PersonaAnalyzer:
		return analyzerSystem
	case store.PersonaSolver:
		return solverSystem
	case store.PersonaModerator:
		return moderatorSystem
	}
	return ""
}

// continuationInstruction is the final prompt section: what the persona
// should do next, phrased per template.
func continuationInstruction(tmpl Template, last *store.Response) string {
	switch tmpl {
	case TemplateFirstMessage:
		return "This is the start of the deliberation. Open it with your analysis of the topic above."

	case TemplateNewRound:
		return "A new round begins. Respond to the Moderator's latest assessment above, refining the analysis with anything the discussion has surfaced. Do not repeat ground already covered."

	case TemplateContinuation:
		who := "previous speaker"
		if last != nil {
			who = personaLabel(last.Persona)
		}
		return fmt.Sprintf("Continue the current round. Respond directly to the %s's message above.", who)

	case TemplateUserInput:
		return "The user has contributed directly. Address their input above before continuing the deliberation."

	case TemplateFallback:
		return "Continue the deliberation from the transcript above, staying in role."
	}
	return ""
}

func personaLabel(p store.Persona) string {
	switch p {
	case store.PersonaAnalyzer:
		return "Analyzer"
	case store.PersonaSolver:
		return "Solver"
	case store.PersonaModerator:
		return "Moderator"
	}
	return string(p)
}
