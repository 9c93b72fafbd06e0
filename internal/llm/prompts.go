package llm

import (
	"fmt"
	"strings"

	"github.com/ayush/open-deep-research/internal/markdown"
	"github.com/ayush/open-deep-research/internal/models"
)

// Models names the model used for each pipeline step.
type Models struct {
	Planning  string
	JSON      string
	Summary   string
	Answer    string
	Image     string
	Available []string
}

// ResolveAnswer returns model when it is an available answer model and the
// default answer model otherwise.
func (m Models) ResolveAnswer(model string) string {
	model = strings.TrimSpace(model)
	for _, available := range m.Available {
		if model == available {
			return model
		}
	}

	return m.Answer
}

var clarificationPrompt = markdown.CompressPrompt(`
	You help a user scope a research request before any searching happens.
	Read the request and return a JSON object with two keys:
	"research_title": a short, specific title for the research (at most 10 words),
	"clarifying_questions": up to 3 short questions whose answers would most change what gets researched.
	Ask about scope, time period, audience or region only when the request leaves them open.
	Return only the JSON object.
`)

const planningPromptTemplate = `
	You are a research planner. Given a research topic and the user's answers to clarifying questions,
	write up to %d web search queries that together cover the topic.
	Make each query specific and distinct. Prefer recent, authoritative sources.
	Return a JSON object with one key, "queries", holding an array of strings.
`

// PlanningPrompt asks for at most maxQueries search queries.
func PlanningPrompt(maxQueries int) string {
	return markdown.CompressPrompt(fmt.Sprintf(planningPromptTemplate, maxQueries))
}

// ClarificationPrompt asks for a title and clarifying questions.
func ClarificationPrompt() string {
	return clarificationPrompt
}

// SummarizerPrompt condenses one scraped page for the report writer.
const SummarizerPrompt = `You are a research assistant. You receive a research topic and the raw content of one web page.
Write a dense summary of everything in the page that is relevant to the topic.
Keep concrete facts, numbers, dates, names and quotes. Drop navigation text, ads and boilerplate.
If nothing in the page is relevant, reply with a single sentence saying so.
Write plain prose without headings.`

const citationRules = `Cite sources inline with the exact markdown form [INLINE_CITATION](url), using the link of the search result the claim comes from.
Place citations right after the sentence they support. Never invent links.`

const locationRules = `When the research is about physical places, end the report with a fenced code block tagged locations
containing a JSON array of objects with the keys name, address, lat, lng, type, url and description.
Leave the block out when places are not central to the topic.`

// SmartAnswerPrompt writes a readable report for a general audience.
const SmartAnswerPrompt = `You are an expert researcher writing a clear, well organized report in markdown.
Start with a single # title, then a short overview paragraph, then ## sections covering the topic in depth.
Use bullet lists and tables where they help. Finish with a ## Conclusion section.
` + citationRules + "\n" + locationRules

// AcademicAnswerPrompt writes a formal report with an academic structure.
const AcademicAnswerPrompt = `You are an academic researcher writing a formal research paper in markdown.
Start with a single # title followed by an ## Abstract. Continue with ## Introduction, ## Background,
## Analysis, ## Discussion and ## Conclusion sections. Use precise, neutral language and note the
limits of the evidence.
` + citationRules

// AnswerPrompt returns the report prompt for an output type.
func AnswerPrompt(outputType string) string {
	if outputType == models.OutputAcademic {
		return AcademicAnswerPrompt
	}

	return SmartAnswerPrompt
}

// CoverPrompt describes the cover image for a research title.
func CoverPrompt(title string) string {
	return fmt.Sprintf("An editorial cover illustration for a research report titled %q. "+
		"Clean composition, soft natural light, no text, no letters, no logos.", title)
}

// SummarizerInput is the user message for SummarizerPrompt.
func SummarizerInput(topic, content string) string {
	return fmt.Sprintf("<Research Topic>%s</Research Topic>\n\n<Raw Content>%s</Raw Content>", topic, content)
}

// PlanningInput is the user message for PlanningPrompt.
func PlanningInput(topic string, questions, answers []string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Research Topic: %s\n", topic)

	for i, q := range questions {
		answer := "(no answer)"
		if i < len(answers) && strings.TrimSpace(answers[i]) != "" {
			answer = strings.TrimSpace(answers[i])
		}

		fmt.Fprintf(&sb, "\nQ: %s\nA: %s\n", q, answer)
	}

	return sb.String()
}

// ReportInput is the user message for the answer prompts.
func ReportInput(topic string, results []models.SearchResult) string {
	formatted := make([]string, 0, len(results))
	for _, r := range results {
		formatted = append(formatted, fmt.Sprintf("- Link: %s\nTitle: %s\nSummary: %s\n\n", r.Link, r.Title, r.Summary))
	}

	return fmt.Sprintf("Research Topic: %s\n\nSearch Results:\n%s", topic, strings.Join(formatted, "\n"))
}
