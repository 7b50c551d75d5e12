package prompt

import (
	"strings"

	"github.com/rlmrs/rlmrs/pkg/fault"
)

const (
	fenceOpen  = "```repl"
	fenceClose = "```"
)

// ExtractStep parses a root model reply: exactly one fenced repl block
// with nothing but whitespace around it. Violations are validation faults
// recorded on the turn and surfaced back to the model, never terminal.
func ExtractStep(output string) (string, error) {
	first := strings.Index(output, fenceOpen)
	if first < 0 {
		return "", fault.New(fault.CodeValidation, "reply contains no fenced repl block")
	}

	bodyStart := first + len(fenceOpen)
	// The fence tag must end its line.
	rest := output[bodyStart:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 || strings.TrimSpace(rest[:nl]) != "" {
		return "", fault.New(fault.CodeValidation, "malformed repl fence")
	}
	body := rest[nl+1:]

	closeIdx := strings.Index(body, fenceClose)
	if closeIdx < 0 {
		return "", fault.New(fault.CodeValidation, "repl block is not closed")
	}
	code := body[:closeIdx]
	after := body[closeIdx+len(fenceClose):]

	if strings.Contains(after, fenceOpen) {
		return "", fault.New(fault.CodeValidation, "reply contains more than one repl block")
	}
	if strings.TrimSpace(output[:first]) != "" || strings.TrimSpace(after) != "" {
		return "", fault.New(fault.CodeValidation, "reply must contain only the repl block")
	}
	if strings.TrimSpace(code) == "" {
		return "", fault.New(fault.CodeValidation, "repl block is empty")
	}
	return code, nil
}
