package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

const (
	defaultAnswerInstructions = `You are a knowledge base assistant. Answer the question only from the numbered sources below.
Cite sources inline as [n]. If the sources are insufficient, say so directly.`
	defaultCondenseInstructions = `Given the conversation history and a follow-up question, rewrite the follow-up into one standalone question that carries all required context.
If it is already standalone, return it unchanged. Do not answer it. Return only the question.`
)

// PromptTemplates holds the instruction blocks of the two prompts the
// pipeline sends to the generator.
type PromptTemplates struct {
	Answer   string `yaml:"qa_system"`
	Condense string `yaml:"condense_q_system"`
}

func DefaultPromptTemplates() PromptTemplates {
	return PromptTemplates{
		Answer:   defaultAnswerInstructions,
		Condense: defaultCondenseInstructions,
	}
}

func (p PromptTemplates) withDefaults() PromptTemplates {
	def := DefaultPromptTemplates()
	if strings.TrimSpace(p.Answer) == "" {
		p.Answer = def.Answer
	}
	if strings.TrimSpace(p.Condense) == "" {
		p.Condense = def.Condense
	}
	return p
}

func buildAnswerPrompt(instructions, question string, sources []domain.RankedResult) string {
	var contextBuilder strings.Builder
	if len(sources) == 0 {
		contextBuilder.WriteString("(no sources were found)\n")
	}
	for idx, source := range sources {
		contextBuilder.WriteString(fmt.Sprintf(
			"[%d] document=%s chunk=%d relevance=%.3f\n%s\n\n",
			idx+1,
			source.Chunk.DocumentID,
			source.Chunk.Ordinal,
			source.Relevance,
			strings.TrimSpace(source.Chunk.Text),
		))
	}

	return fmt.Sprintf(`%s

Sources:
%s
Question:
%s

Answer:
`, strings.TrimSpace(instructions), contextBuilder.String(), question)
}

func buildCondensePrompt(instructions string, history []domain.ConversationMessage, question string) string {
	var historyBuilder strings.Builder
	for _, msg := range history {
		historyBuilder.WriteString(msg.Role)
		historyBuilder.WriteString(": ")
		historyBuilder.WriteString(strings.TrimSpace(msg.Content))
		historyBuilder.WriteString("\n")
	}

	return fmt.Sprintf(`%s

History:
%s
Follow-up question:
%s

Standalone question:
`, strings.TrimSpace(instructions), historyBuilder.String(), question)
}
