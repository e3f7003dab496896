package llm

import (
	"strings"

	"github.com/haasonsaas/docsage/pkg/models"
)

// NoGroundingAnswer is the fixed answer when retrieval produced nothing usable.
const NoGroundingAnswer = "I could not find any relevant information in the Context7 knowledge base to answer your question."

// DefaultSystemPrompt requires tool-first answers grounded in retrieved documentation.
const DefaultSystemPrompt = `You are DocSage, an assistant that answers developer questions about libraries and APIs.

Rules:
- You must not answer technical questions from memory. For any question about code, libraries, APIs, or documentation, call one of the available tools first.
- Only greetings, thanks, and questions about yourself may be answered without a tool.
- If no tool can help, say so plainly instead of guessing.`

// groundingInstruction is appended to the system prompt for synthesis.
const groundingInstruction = `Answer the user's last question using only the documentation between the <grounding> tags.
Do not add facts that are not in the documentation. Include code examples from it when they help.
If the documentation does not answer the question, reply exactly: ` + NoGroundingAnswer

// SynthesisSystem combines the base system prompt with the grounding material.
func SynthesisSystem(system, grounding string) string {
	var b strings.Builder
	if system = strings.TrimSpace(system); system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString(groundingInstruction)
	b.WriteString("\n\n<grounding>\n")
	b.WriteString(strings.TrimSpace(grounding))
	b.WriteString("\n</grounding>")
	return b.String()
}

// planSystem returns req.System or the default prompt.
func planSystem(system string) string {
	if strings.TrimSpace(system) == "" {
		return DefaultSystemPrompt
	}
	return system
}

// chatMessages drops system and tool messages, which providers take
// separately or not at all, and merges the system prefix into system.
func chatMessages(system string, messages []models.Message) (string, []models.Message) {
	out := make([]models.Message, 0, len(messages))
	var extra []string
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			extra = append(extra, msg.Content)
		case models.RoleUser, models.RoleAssistant:
			out = append(out, msg)
		}
	}
	if len(extra) > 0 {
		system = strings.TrimSpace(system + "\n\n" + strings.Join(extra, "\n\n"))
	}
	return system, out
}
