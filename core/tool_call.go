package core

// ToolCall is a named invocation requested by a run in requires_action.
// Arguments holds the raw JSON payload produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutput answers exactly one ToolCall. Output is the JSON (or plain text)
// handed back to the agent; IsError marks structured error payloads so the
// agent can apologise or retry.
type ToolOutput struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// PendingCalls returns the calls of batch that have no output yet, preserving
// the batch order.
func PendingCalls(batch []ToolCall, outputs []ToolOutput) []ToolCall {
	answered := make(map[string]struct{}, len(outputs))
	for _, o := range outputs {
		answered[o.CallID] = struct{}{}
	}
	pending := make([]ToolCall, 0, len(batch))
	for _, c := range batch {
		if _, ok := answered[c.ID]; !ok {
			pending = append(pending, c)
		}
	}
	return pending
}

// OrderOutputs arranges outputs in the order of batch so submissions are
// deterministic. Outputs whose call id is not part of batch are dropped.
func OrderOutputs(batch []ToolCall, outputs []ToolOutput) []ToolOutput {
	byID := make(map[string]ToolOutput, len(outputs))
	for _, o := range outputs {
		if _, exists := byID[o.CallID]; !exists {
			byID[o.CallID] = o
		}
	}
	ordered := make([]ToolOutput, 0, len(batch))
	for _, c := range batch {
		if o, ok := byID[c.ID]; ok {
			ordered = append(ordered, o)
		}
	}
	return ordered
}
