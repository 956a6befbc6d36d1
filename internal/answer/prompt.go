package answer

import (
	"fmt"
	"strings"

	"tn-legal-rag/internal/llm"
	"tn-legal-rag/internal/models"
)

const basePrompt = `You are a Tunisian legal research assistant. Answer only from the numbered sources below.
Cite every statement with the marker of the source it comes from, for example [Source-1].
Never cite a source number that is not listed. If the sources do not settle the question, say so
instead of relying on general knowledge. Use Tunisian terminology: "الفصل" / "article", "مجلة" / "code",
"محكمة التعقيب" / "Cour de cassation".`

var stanceGuidance = map[models.Stance]string{
	models.StanceNeutral: "Stance: neutral analysis. Present the legal framework and the strengths and weaknesses of each party without favouring either.",
	models.StanceDefense: "Stance: defence counsel. Separate proven facts from allegations, list procedural defences first (nullity, limitation, jurisdiction, admissibility), then the merits, and anticipate the opposing arguments.",
	models.StanceAttack:  "Stance: claimant's counsel. Identify the legal basis of the claim, the evidence required to carry the burden of proof, and the remedies available, then anticipate the defence.",
}

var languageInstruction = map[models.Language]string{
	models.LangArabic: "أجب باللغة العربية القانونية التونسية فقط.",
	models.LangFrench: "Réponds en français juridique.",
}

// SystemPrompt builds the system instruction for a stance and answer language
func SystemPrompt(stance models.Stance, language models.Language, consultation bool) string {
	var b strings.Builder
	if g, ok := stanceGuidance[stance]; ok {
		b.WriteString(g)
		b.WriteString("\n\n")
	}
	b.WriteString(basePrompt)
	if consultation {
		b.WriteString("\nThis is a formal consultation: structure the answer as qualification, applicable texts, case law, risks and recommendation, and open with the main source quoted verbatim.")
	}
	if instr, ok := languageInstruction[language]; ok {
		b.WriteString("\n\n")
		b.WriteString(instr)
	}
	return b.String()
}

// UserPrompt lays out the numbered context blocks followed by the question
func UserPrompt(question, context string) string {
	return fmt.Sprintf("Sources:\n\n%s\nQuestion: %s\n\nAnswer: ", context, question)
}

// Messages appends the prompt for this turn to the conversation history
func Messages(history []llm.Message, question, context string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: UserPrompt(question, context)})
}
