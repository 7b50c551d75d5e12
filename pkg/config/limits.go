package config

import "fmt"

// LimitsConfig holds the default execution budgets. Executions may request
// tighter or looser values at creation; these are the fallbacks.
type LimitsConfig struct {
	// MaxTurns bounds orchestrator turns per execution.
	MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`

	// MaxTotalSeconds bounds execution wall time.
	MaxTotalSeconds int `yaml:"max_total_seconds,omitempty" json:"max_total_seconds,omitempty"`

	// MaxStepSeconds bounds a single sandbox step.
	MaxStepSeconds int `yaml:"max_step_seconds,omitempty" json:"max_step_seconds,omitempty"`

	// MaxLLMSubcalls bounds resolved llm tool requests per execution.
	MaxLLMSubcalls int `yaml:"max_llm_subcalls,omitempty" json:"max_llm_subcalls,omitempty"`

	// MaxLLMPromptChars bounds a single subcall prompt.
	MaxLLMPromptChars int `yaml:"max_llm_prompt_chars,omitempty" json:"max_llm_prompt_chars,omitempty"`

	// MaxTotalLLMPromptChars bounds cumulative subcall prompt volume.
	MaxTotalLLMPromptChars int `yaml:"max_total_llm_prompt_chars,omitempty" json:"max_total_llm_prompt_chars,omitempty"`

	// MaxSpansPerStep bounds span log entries produced by one step.
	MaxSpansPerStep int `yaml:"max_spans_per_step,omitempty" json:"max_spans_per_step,omitempty"`

	// MaxSpansTotal bounds span log entries per execution.
	MaxSpansTotal int `yaml:"max_spans_total,omitempty" json:"max_spans_total,omitempty"`

	// MaxToolRequestsPerStep bounds queued tool requests per step.
	MaxToolRequestsPerStep int `yaml:"max_tool_requests_per_step,omitempty" json:"max_tool_requests_per_step,omitempty"`

	// MaxStdoutChars truncates captured step stdout.
	MaxStdoutChars int `yaml:"max_stdout_chars,omitempty" json:"max_stdout_chars,omitempty"`

	// MaxStateChars is the hard cap on canonical state size.
	MaxStateChars int `yaml:"max_state_chars,omitempty" json:"max_state_chars,omitempty"`

	// StateInlineCutoff is the size above which state offloads to a blob.
	StateInlineCutoff int `yaml:"state_inline_cutoff,omitempty" json:"state_inline_cutoff,omitempty"`

	// SandboxMaxSteps bounds interpreter execution steps per sandbox step.
	SandboxMaxSteps int64 `yaml:"sandbox_max_steps,omitempty" json:"sandbox_max_steps,omitempty"`

	// MaxScanHits caps find/regex hits returned per call.
	MaxScanHits int `yaml:"max_scan_hits,omitempty" json:"max_scan_hits,omitempty"`
}

// SetDefaults applies budget defaults.
func (c *LimitsConfig) SetDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = 12
	}
	if c.MaxTotalSeconds == 0 {
		c.MaxTotalSeconds = 600
	}
	if c.MaxStepSeconds == 0 {
		c.MaxStepSeconds = 30
	}
	if c.MaxLLMSubcalls == 0 {
		c.MaxLLMSubcalls = 32
	}
	if c.MaxLLMPromptChars == 0 {
		c.MaxLLMPromptChars = 80_000
	}
	if c.MaxTotalLLMPromptChars == 0 {
		c.MaxTotalLLMPromptChars = 400_000
	}
	if c.MaxSpansPerStep == 0 {
		c.MaxSpansPerStep = 256
	}
	if c.MaxSpansTotal == 0 {
		c.MaxSpansTotal = 4096
	}
	if c.MaxToolRequestsPerStep == 0 {
		c.MaxToolRequestsPerStep = 16
	}
	if c.MaxStdoutChars == 0 {
		c.MaxStdoutChars = 16_384
	}
	if c.MaxStateChars == 0 {
		c.MaxStateChars = 262_144
	}
	if c.StateInlineCutoff == 0 {
		c.StateInlineCutoff = 16_384
	}
	if c.SandboxMaxSteps == 0 {
		c.SandboxMaxSteps = 2_000_000
	}
	if c.MaxScanHits == 0 {
		c.MaxScanHits = 256
	}
}

// Validate checks budget configuration.
func (c *LimitsConfig) Validate() error {
	if c.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be >= 1")
	}
	if c.MaxStepSeconds < 1 {
		return fmt.Errorf("max_step_seconds must be >= 1")
	}
	if c.StateInlineCutoff > c.MaxStateChars {
		return fmt.Errorf("state_inline_cutoff (%d) must not exceed max_state_chars (%d)",
			c.StateInlineCutoff, c.MaxStateChars)
	}
	return nil
}
