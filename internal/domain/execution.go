package domain

import "time"

// TimeoutExitCode marks a result whose process was killed by the per-command timeout.
const TimeoutExitCode = 124

// ExecutionResult is the captured outcome of one command.
type ExecutionResult struct {
	Command    string        `json:"command"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	FinalCwd   string        `json:"final_cwd"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
}

// BatchResult collects the results of a sequential batch.
type BatchResult struct {
	Results  []ExecutionResult `json:"results"`
	Success  bool              `json:"success"`
	FinalCwd string            `json:"final_cwd"`
}
