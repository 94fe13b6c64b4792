package pipeline

import "encoding/json"

// wireField is the JSON-on-the-wire shape of one RowField, used only for
// payload-store serialization — never for in-process row access, which
// always goes through PipelineRow's dual-name accessors.
type wireField struct {
	Normalized string      `json:"n"`
	Original   string      `json:"o"`
	Value      interface{} `json:"v"`
}

// Marshal renders row as the byte sequence the payload store persists and
// hashes. Field order is preserved so the same row always marshals to the
// same bytes, which is what makes the payload store's content address stable.
func Marshal(row *PipelineRow) ([]byte, error) {
	fields := make([]wireField, 0, len(row.order))

	for _, normalized := range row.order {
		fields = append(fields, wireField{
			Normalized: normalized,
			Original:   row.original[normalized],
			Value:      row.values[normalized],
		})
	}

	return json.Marshal(fields)
}

// Unmarshal reconstructs a PipelineRow from bytes produced by Marshal, used
// to rehydrate a row from the payload store during resume.
func Unmarshal(data []byte) (*PipelineRow, error) {
	var wire []wireField
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}

	fields := make([]RowField, 0, len(wire))
	for _, w := range wire {
		fields = append(fields, RowField{Normalized: w.Normalized, Original: w.Original, Value: w.Value})
	}

	return NewPipelineRow(fields), nil
}
