package research

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/knowledge"
)

const topicSystemPrompt = `You are a research assistant that turns a conversation into a research topic.
Read the conversation and state the single topic the user wants researched as one standalone sentence.
The topic must be understandable without the conversation.`

const topicSchema = `{
  "type": "object",
  "properties": {
    "topic": {"type": "string", "description": "Standalone research topic"}
  },
  "required": ["topic"]
}`

const planSystemPrompt = `You are a research planner.
Break the research topic down into %d distinct sub-questions that together cover it.
For each, give the question, a web search query that would answer it and a one sentence rationale.
Use the background to avoid asking what is already known.`

const planSchema = `{
  "type": "object",
  "properties": {
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "question": {"type": "string"},
          "search_query": {"type": "string"},
          "rationale": {"type": "string"}
        },
        "required": ["question", "search_query", "rationale"]
      }
    }
  },
  "required": ["steps"]
}`

const filterSystemPrompt = `You are a research filter.
Decide whether the search result is likely to contain information that helps answer the research question.
Judge from the title, URL and snippet only.`

const filterSchema = `{
  "type": "object",
  "properties": {
    "relevant": {"type": "boolean"}
  },
  "required": ["relevant"]
}`

const backgroundSystemPrompt = `You are a research analyst writing background notes.
Summarize what the provided sources say about the topic in a few dense paragraphs.
Only use information from the sources.
Wrap your notes in <response></response> tags.`

const stepSystemPrompt = `You are a research analyst answering one question of a larger research project.
Answer the question using only the provided sources. Be specific and keep numbers, names and dates.
If the sources do not answer the question, say so briefly.
Wrap your answer in <response></response> tags.`

const finalSystemPrompt = `You are a senior researcher writing the final report of a research project.
Combine the background and the findings of every research step into one coherent report on the topic.
Format the report as Markdown with a title, sections with headings and a conclusion.
Write complete sentences and do not invent facts that are not in the findings.
First think about the structure inside <think></think> tags, then write the report inside <response></response> tags.`

func today() string {
	return time.Now().Format("2006-01-02")
}

func formatConversation(conversation []Message) string {
	var sb strings.Builder
	for _, m := range conversation {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
	}
	return sb.String()
}

func planPrompt(topic, background string) string {
	return fmt.Sprintf("Today's date: %s\n\nTopic: %s\n\nBackground:\n%s", today(), topic, orNone(background))
}

func filterPrompt(topic string, q ResearchQuery, title, url, snippet string) string {
	return fmt.Sprintf("Topic: %s\nQuestion: %s\n\nTitle: %s\nURL: %s\nSnippet: %s",
		topic, q.Question, title, url, snippet)
}

func stepPrompt(topic string, q ResearchQuery, context string) string {
	return fmt.Sprintf("Topic: %s\nQuestion: %s\n\n# Sources\n\n%s", topic, q.Question, orNone(context))
}

func backgroundPrompt(topic, context string) string {
	return fmt.Sprintf("Topic: %s\n\n# Sources\n\n%s", topic, orNone(context))
}

func finalPrompt(topic, background string, reports []ResearchReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Today's date: %s\n\nTopic: %s\n\n# Background\n\n%s\n\n# Findings\n\n", today(), topic, orNone(background))
	for i, r := range reports {
		fmt.Fprintf(&sb, "## Step %d: %s\n\n%s\n\n", i+1, r.Query.Question, r.Report)
	}
	return sb.String()
}

func formatChunks(chunks []knowledge.ScoredChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = fmt.Sprintf("[%d] %s (%s)\n%s", i+1, c.Chunk.Title, c.Chunk.URL, c.Chunk.Text)
	}
	return out
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
