package fluxgate

import "github.com/TheEntropyCollective/fluxgate/pkg/pipeline"

// Result aggregates everything one request produced: field values keyed
// by name (repeated names accumulate in submission order) and one settled
// result per file part, in part order.
type Result struct {
	Fields map[string][]string        `json:"fields"`
	Files  []*pipeline.FileResult     `json:"files"`

	fieldOrder []string
}

func newResult() *Result {
	return &Result{Fields: make(map[string][]string)}
}

func (r *Result) addField(name, value string) {
	if _, seen := r.Fields[name]; !seen {
		r.fieldOrder = append(r.fieldOrder, name)
	}
	r.Fields[name] = append(r.Fields[name], value)
}

// FieldValue returns the first value submitted under name, or "".
func (r *Result) FieldValue(name string) string {
	values := r.Fields[name]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// FieldNames returns the field names in first-submission order.
func (r *Result) FieldNames() []string {
	return append([]string(nil), r.fieldOrder...)
}
