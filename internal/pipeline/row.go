package pipeline

import "fmt"

// PipelineRow is the in-process representation of a single row as it moves
// through transforms, gates, and sinks. It is never persisted directly — the
// landscape only ever sees its content hash (via the payload store) and its
// token handle.
//
// Dual-name access: every field is reachable by both its original (source)
// name and its normalized (schema) name, because upstream tools and
// downstream schema contracts rarely agree on casing/punctuation conventions.
type PipelineRow struct {
	order    []string // normalized names, in schema/declaration order
	values   map[string]interface{}
	original map[string]string // normalized -> original, for dual-name lookups
	aliases  map[string]string // original -> normalized, reverse index
}

// NewPipelineRow builds a row from an ordered set of (normalized, original,
// value) triples. Order is preserved for FieldOrder and for contract inference.
func NewPipelineRow(fields []RowField) *PipelineRow {
	row := &PipelineRow{
		order:    make([]string, 0, len(fields)),
		values:   make(map[string]interface{}, len(fields)),
		original: make(map[string]string, len(fields)),
		aliases:  make(map[string]string, len(fields)),
	}

	for _, f := range fields {
		row.order = append(row.order, f.Normalized)
		row.values[f.Normalized] = f.Value
		row.original[f.Normalized] = f.Original
		row.aliases[f.Original] = f.Normalized
	}

	return row
}

// RowField is one (normalized name, original name, value) triple used to
// construct a PipelineRow.
type RowField struct {
	Normalized string
	Original   string
	Value      interface{}
}

// FieldOrder returns the row's normalized field names in declaration order.
func (r *PipelineRow) FieldOrder() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)

	return out
}

// Get retrieves a field's value by either its normalized or original name.
func (r *PipelineRow) Get(name string) (interface{}, bool) {
	if v, ok := r.values[name]; ok {
		return v, true
	}

	if normalized, ok := r.aliases[name]; ok {
		v, ok := r.values[normalized]

		return v, ok
	}

	return nil, false
}

// Set assigns a field's value by normalized name. If the field is new, it is
// appended to FieldOrder and its original name defaults to the normalized one.
func (r *PipelineRow) Set(normalized string, value interface{}) {
	if _, exists := r.values[normalized]; !exists {
		r.order = append(r.order, normalized)
		r.original[normalized] = normalized
		r.aliases[normalized] = normalized
	}

	r.values[normalized] = value
}

// OriginalName returns the original (source) name for a normalized field.
func (r *PipelineRow) OriginalName(normalized string) (string, bool) {
	name, ok := r.original[normalized]

	return name, ok
}

// Clone returns a deep-enough copy of the row for fork/expand scenarios, where
// each child token must be free to mutate its own copy without affecting
// siblings.
func (r *PipelineRow) Clone() *PipelineRow {
	fields := make([]RowField, 0, len(r.order))

	for _, normalized := range r.order {
		fields = append(fields, RowField{
			Normalized: normalized,
			Original:   r.original[normalized],
			Value:      r.values[normalized],
		})
	}

	return NewPipelineRow(fields)
}

// String renders the row as a compact debug representation; never used for
// audit output, only for logging.
func (r *PipelineRow) String() string {
	return fmt.Sprintf("PipelineRow(fields=%d)", len(r.order))
}
