// Package usage holds token accounting recovered from provider responses.
package usage

// Provider identifies which upstream family produced a response.
type Provider string

const (
	ProviderAzureChat      Provider = "azure"
	ProviderBedrockRuntime Provider = "bedrock-runtime"
	ProviderBedrockAgent   Provider = "bedrock-agent"
)

// Delta is a partial usage observation decoded from one framing unit.
// Nil fields were not present in the unit.
type Delta struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	Model            string
	// Final marks values reported by a terminal event (a usage-only chunk,
	// an invocation metrics block or a metadata event). Fields set by a final
	// delta are not overwritten by later non-final deltas.
	Final bool
}

// IsZero reports whether the delta carries no information.
func (d Delta) IsZero() bool {
	return d.PromptTokens == nil && d.CompletionTokens == nil && d.TotalTokens == nil && d.Model == ""
}

// Int returns a pointer to v, for building deltas.
func Int(v int) *int {
	return &v
}

// Record is the running usage for one request.
type Record struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Provider         Provider `json:"provider"`
	ModelID          string   `json:"model_id,omitempty"`
	DurationMS       int64    `json:"duration_ms"`

	promptFinal     bool
	completionFinal bool
	totalFinal      bool
	seen            bool
}

// Merge folds d into r, last writer wins per field unless the field was
// already set by a final delta and d is not final.
func (r *Record) Merge(d Delta) {
	if r == nil || d.IsZero() {
		return
	}
	r.seen = true
	mergeField(&r.PromptTokens, &r.promptFinal, d.PromptTokens, d.Final)
	mergeField(&r.CompletionTokens, &r.completionFinal, d.CompletionTokens, d.Final)
	mergeField(&r.TotalTokens, &r.totalFinal, d.TotalTokens, d.Final)
	if d.Model != "" && r.ModelID == "" {
		r.ModelID = d.Model
	}
}

func mergeField(dst *int, final *bool, value *int, fromFinal bool) {
	if value == nil {
		return
	}
	if *final && !fromFinal {
		return
	}
	*dst = *value
	if fromFinal {
		*final = true
	}
}

// Observed reports whether any usage field or model was merged.
func (r *Record) Observed() bool {
	return r != nil && r.seen
}

// Complete fills TotalTokens from its parts when the provider did not report it.
func (r *Record) Complete() {
	if r == nil {
		return
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}
}

// Equal compares the reported values, ignoring merge bookkeeping.
func (r Record) Equal(other Record) bool {
	return r.PromptTokens == other.PromptTokens &&
		r.CompletionTokens == other.CompletionTokens &&
		r.TotalTokens == other.TotalTokens &&
		r.Provider == other.Provider &&
		r.ModelID == other.ModelID
}
