// Package prompt builds the root model's prompt and parses its reply. The
// prompt carries everything the model needs to write the next step: the
// question, the tool schema, corpus shape, the previous step's stdout and
// error, a compact state summary, and the budget snapshot.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rlmrs/rlmrs/pkg/state"
)

const systemBase = `You are the root model of a recursive language model runtime. You answer a question about a document corpus by writing short programs, one step at a time.

Each reply must be exactly one fenced code block tagged repl, with no text before or after it:

` + "```repl" + `
<your code>
` + "```" + `

The step language is a restricted Python dialect. Available names:
- context: the corpus. len(context) is the document count; context[i] is a document. Documents support len(doc), doc[a:b], doc.slice(a, b, tag=...), doc.find(needle, start=..., end=..., max_hits=..., tag=...), doc.regex(pattern, ...), doc.sections(), doc.page_spans(). Every read is logged and becomes a potential citation.
- state: a JSON dict persisted between steps. Keys starting with "_" belong to the runtime and are read-only.
- tool: tool.FINAL(answer) ends the run with your answer. tool.YIELD(reason) ends the step so queued requests can resolve.
- builtins: len, range, enumerate, zip, map, filter, sorted, reversed, min, max, sum, abs, round, int, float, str, bool, list, dict, tuple, set, isinstance, print.

print() output comes back to you on the next step. There are no imports, no file or network access, and no other names.`

const systemSubcalls = `

You may queue LLM subcalls with tool.queue_llm(key=..., prompt=..., model_hint=..., max_tokens=..., temperature=..., metadata=...) followed by tool.YIELD(). Results appear next step in state["_tool_results"]["llm"][key]["text"]; check state["_tool_status"][key] for "resolved" or "error". Searches work the same way via tool.queue_search(key=..., query=..., k=...).`

const systemContexts = `

Output mode is CONTEXTS: instead of composing an answer, locate the passages that answer the question and read each one with a tag of "context" or "context:<label>" (for example doc.slice(a, b, "context")). When every relevant passage has been read, call tool.FINAL with a short summary; the runtime returns the context-tagged spans as the result.`

// Input is everything a turn contributes to the prompt.
type Input struct {
	Question        string
	SubcallsEnabled bool
	ContextsMode    bool

	// DocLengths is the per-document char length list, in corpus order.
	DocLengths []int

	TurnIndex    int
	LastStdout   string
	LastError    string
	StateSummary []state.KeySize
	Budget       map[string]any
	ToolStatuses map[string]string
}

// System returns the system prompt variant for the execution.
func System(subcallsEnabled, contextsMode bool) string {
	var b strings.Builder
	b.WriteString(systemBase)
	if subcallsEnabled {
		b.WriteString(systemSubcalls)
	}
	if contextsMode {
		b.WriteString(systemContexts)
	}
	return b.String()
}

// Build renders the user prompt for one turn.
func Build(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "QUESTION:\n%s\n\n", in.Question)

	fmt.Fprintf(&b, "CORPUS: %d document(s); char lengths: %s\n\n", len(in.DocLengths), intsJSON(in.DocLengths))

	if in.Budget != nil {
		data, _ := json.Marshal(in.Budget)
		fmt.Fprintf(&b, "BUDGET: %s\n\n", data)
	}

	fmt.Fprintf(&b, "TURN: %d\n\n", in.TurnIndex)

	if len(in.StateSummary) > 0 {
		b.WriteString("STATE KEYS (name: bytes):\n")
		for _, ks := range in.StateSummary {
			fmt.Fprintf(&b, "  %s: %d\n", ks.Key, ks.Bytes)
		}
		b.WriteString("\n")
	}

	if len(in.ToolStatuses) > 0 {
		data, _ := json.Marshal(in.ToolStatuses)
		fmt.Fprintf(&b, "TOOL STATUS: %s\n\n", data)
	}

	if in.LastStdout != "" {
		fmt.Fprintf(&b, "PREVIOUS STDOUT:\n%s\n\n", in.LastStdout)
	}
	if in.LastError != "" {
		fmt.Fprintf(&b, "PREVIOUS ERROR:\n%s\n\n", in.LastError)
	}

	b.WriteString("Write the next step.")
	return b.String()
}

func intsJSON(ints []int) string {
	data, _ := json.Marshal(ints)
	return string(data)
}
