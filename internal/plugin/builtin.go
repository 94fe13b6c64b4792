package plugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/elspeth-io/elspeth/internal/pipeline"
)

// ErrSinkCannotAppendMode is returned by a sink whose destination has no
// well-defined append semantics (an HTTP endpoint, for instance) when asked
// to switch to SinkModeAppend.
var ErrSinkCannotAppendMode = errors.New("plugin: sink cannot append")

// CSVSource streams rows from a delimited file, one row per data line,
// normalizing header names into PipelineRow's dual original/normalized
// fields. It is the reference SourcePlugin implementation for KindCSVSource.
type CSVSource struct {
	cfg      CSVSourceConfig
	file     *os.File
	reader   *csv.Reader
	headers  []string
	contract *pipeline.SchemaContract
}

// NewCSVSource opens cfg.Path and, if cfg.HasHeader, reads its header line
// immediately so every subsequent Next call only has to read one data row.
func NewCSVSource(cfg CSVSourceConfig) (*CSVSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(cfg.Path) //nolint:gosec // path comes from trusted pipeline config
	if err != nil {
		return nil, fmt.Errorf("plugin: open csv source: %w", err)
	}

	r := csv.NewReader(f)
	r.Comma = rune(cfg.Delimiter[0])
	r.ReuseRecord = false

	s := &CSVSource{cfg: cfg, file: f, reader: r}

	if cfg.HasHeader {
		headers, err := r.Read()
		if err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("plugin: read csv header: %w", err)
		}

		s.headers = headers
	}

	return s, nil
}

// Next reads one data row, validating it against the installed schema
// contract once one has locked.
func (s *CSVSource) Next(ctx context.Context) (*SourceRow, bool, error) {
	record, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		_ = s.file.Close()

		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("plugin: read csv row: %w", err)
	}

	fields := make([]pipeline.RowField, len(record))

	for i, v := range record {
		original := s.headerFor(i)
		fields[i] = pipeline.RowField{Normalized: normalizeFieldName(original), Original: original, Value: v}
	}

	row := pipeline.NewPipelineRow(fields)

	if s.contract != nil {
		if !s.contract.Locked() {
			if err := s.contract.InferAndLock(row); err != nil {
				return nil, false, err
			}
		} else if verr := s.contract.ValidateRow(row); verr != nil {
			return &SourceRow{Valid: false, Row: row, QuarantineErr: verr, Destination: s.cfg.OnValidationFailure}, true, nil
		}
	}

	return &SourceRow{Valid: true, Row: row, Contract: s.contract}, true, nil
}

func (s *CSVSource) headerFor(i int) string {
	if i < len(s.headers) {
		return s.headers[i]
	}

	return fmt.Sprintf("col%d", i)
}

func (s *CSVSource) OnValidationFailure() string                 { return s.cfg.OnValidationFailure }
func (s *CSVSource) GetSchemaContract() *pipeline.SchemaContract { return s.contract }
func (s *CSVSource) SetSchemaContract(c *pipeline.SchemaContract) {
	s.contract = c
}

var _ SourcePlugin = (*CSVSource)(nil)

func normalizeFieldName(original string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(original), " ", "_"))
}

// FieldMapperTransform renames and drops fields by normalized name.
type FieldMapperTransform struct {
	cfg     FieldMapperConfig
	onError string
	drop    map[string]struct{}
}

// NewFieldMapperTransform builds a FieldMapperTransform from cfg.
func NewFieldMapperTransform(cfg FieldMapperConfig, onError string) (*FieldMapperTransform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	drop := make(map[string]struct{}, len(cfg.Drop))
	for _, d := range cfg.Drop {
		drop[d] = struct{}{}
	}

	return &FieldMapperTransform{cfg: cfg, onError: onError, drop: drop}, nil
}

func (t *FieldMapperTransform) Process(ctx context.Context, row *pipeline.PipelineRow, pc *Context) (TransformResult, error) {
	order := row.FieldOrder()
	fields := make([]pipeline.RowField, 0, len(order))

	for _, normalized := range order {
		if _, dropped := t.drop[normalized]; dropped {
			continue
		}

		value, _ := row.Get(normalized)
		original, _ := row.OriginalName(normalized)

		outName := normalized
		if renamed, ok := t.cfg.Rename[normalized]; ok {
			outName = renamed
		}

		fields = append(fields, pipeline.RowField{Normalized: outName, Original: original, Value: value})
	}

	return TransformResult{Kind: OutcomeSuccess, Row: pipeline.NewPipelineRow(fields)}, nil
}

func (t *FieldMapperTransform) ProcessBatch(ctx context.Context, rows []*pipeline.PipelineRow, pc *Context) (TransformResult, error) {
	out := make([]*pipeline.PipelineRow, len(rows))

	for i, row := range rows {
		result, err := t.Process(ctx, row, pc)
		if err != nil {
			return TransformResult{}, err
		}

		out[i] = result.Row
	}

	return TransformResult{Kind: OutcomeSuccessMulti, Rows: out}, nil
}

func (t *FieldMapperTransform) IsBatchAware() bool { return false }
func (t *FieldMapperTransform) OnError() string    { return t.onError }

var _ TransformPlugin = (*FieldMapperTransform)(nil)

// FieldGate routes a row by comparing one field's rendered value against a
// set of string matches. Its Routes configuration maps a field value to
// either graph.RouteContinue or an existing sink name — a gate's route
// destinations are always sinks or continue/fork, never discard.
type FieldGate struct {
	cfg FieldGateConfig
}

// NewFieldGate builds a FieldGate from cfg.
func NewFieldGate(cfg FieldGateConfig) (*FieldGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &FieldGate{cfg: cfg}, nil
}

func (g *FieldGate) Evaluate(ctx context.Context, row *pipeline.PipelineRow, pc *Context) (RoutingAction, error) {
	value, ok := row.Get(g.cfg.Field)
	if !ok {
		return RoutingAction{Kind: RouteKindContinue}, nil
	}

	label := fmt.Sprintf("%v", value)

	dest, ok := g.cfg.Routes[label]
	if !ok || dest == "continue" {
		return RoutingAction{Kind: RouteKindContinue}, nil
	}

	return RoutingAction{Kind: RouteKindRoute, SinkName: dest}, nil
}

var _ GatePlugin = (*FieldGate)(nil)

// FileSink appends newline-delimited JSON rows to a file, one JSON object per
// token, matching KindFileSink's "jsonl" format. SetMode(SinkModeWrite)
// truncates the destination; SetMode(SinkModeAppend) extends it, the mode
// Resume always selects.
type FileSink struct {
	cfg  FileSinkConfig
	mode SinkMode
	file *os.File
	w    *bufio.Writer
}

// NewFileSink builds a FileSink from cfg. The destination file is opened
// lazily on the first Write call, once the run's mode (write vs append) is known.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &FileSink{cfg: cfg, mode: SinkModeWrite}, nil
}

func (s *FileSink) SetMode(mode SinkMode) error {
	s.mode = mode

	return nil
}

func (s *FileSink) ensureOpen() error {
	if s.file != nil {
		return nil
	}

	flags := os.O_CREATE | os.O_WRONLY

	if s.mode == SinkModeAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(s.cfg.Path, flags, 0o644) //nolint:gosec // path comes from trusted pipeline config
	if err != nil {
		return fmt.Errorf("plugin: open file sink: %w", err)
	}

	s.file = f
	s.w = bufio.NewWriter(f)

	return nil
}

func (s *FileSink) Write(ctx context.Context, tokens []WrittenToken, pc *Context, onTokenWritten func(WrittenToken)) (ArtifactDescriptor, error) {
	if err := s.ensureOpen(); err != nil {
		return ArtifactDescriptor{}, err
	}

	count := 0

	for _, t := range tokens {
		line, err := rowToJSONLine(t.Row)
		if err != nil {
			return ArtifactDescriptor{Location: s.cfg.Path, Count: count}, err
		}

		if _, err := s.w.Write(line); err != nil {
			return ArtifactDescriptor{Location: s.cfg.Path, Count: count}, fmt.Errorf("plugin: write file sink row: %w", err)
		}

		if err := s.w.Flush(); err != nil {
			return ArtifactDescriptor{Location: s.cfg.Path, Count: count}, fmt.Errorf("plugin: flush file sink row: %w", err)
		}

		count++

		onTokenWritten(t)
	}

	return ArtifactDescriptor{Location: s.cfg.Path, Count: count}, nil
}

func (s *FileSink) Flush(ctx context.Context) error {
	if s.w == nil {
		return nil
	}

	return s.w.Flush()
}

func (s *FileSink) Close() error {
	if s.file == nil {
		return nil
	}

	f, w := s.file, s.w
	s.file, s.w = nil, nil

	if err := w.Flush(); err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}

var _ SinkPlugin = (*FileSink)(nil)

func rowToJSONLine(row *pipeline.PipelineRow) ([]byte, error) {
	if row == nil {
		return []byte("null\n"), nil
	}

	obj := make(map[string]interface{}, len(row.FieldOrder()))
	for _, name := range row.FieldOrder() {
		obj[name], _ = row.Get(name)
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("plugin: marshal sink row: %w", err)
	}

	return append(data, '\n'), nil
}

// HTTPSink posts each token's row as a JSON body to cfg.URL. It has no
// meaningful append mode: the destination is whatever the remote endpoint
// does with repeated POSTs, so SetMode(SinkModeAppend) is rejected rather
// than silently treated the same as write.
type HTTPSink struct {
	cfg    HTTPSinkConfig
	client *http.Client
}

// NewHTTPSink builds an HTTPSink from cfg.
func NewHTTPSink(cfg HTTPSinkConfig) (*HTTPSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	cfg.Method = method

	return &HTTPSink{cfg: cfg, client: &http.Client{}}, nil
}

func (s *HTTPSink) SetMode(mode SinkMode) error {
	if mode == SinkModeAppend {
		return fmt.Errorf("%w: http_sink %s", ErrSinkCannotAppendMode, s.cfg.URL)
	}

	return nil
}

func (s *HTTPSink) Write(ctx context.Context, tokens []WrittenToken, pc *Context, onTokenWritten func(WrittenToken)) (ArtifactDescriptor, error) {
	count := 0

	for _, t := range tokens {
		line, err := rowToJSONLine(t.Row)
		if err != nil {
			return ArtifactDescriptor{Location: s.cfg.URL, Count: count}, err
		}

		req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, bytes.NewReader(line))
		if err != nil {
			return ArtifactDescriptor{Location: s.cfg.URL, Count: count}, fmt.Errorf("plugin: build http sink request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		for k, v := range s.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return ArtifactDescriptor{Location: s.cfg.URL, Count: count}, fmt.Errorf("plugin: http sink request: %w", err)
		}

		_ = resp.Body.Close()

		if resp.StatusCode >= 300 {
			return ArtifactDescriptor{Location: s.cfg.URL, Count: count}, fmt.Errorf("plugin: http sink: unexpected status %d", resp.StatusCode)
		}

		count++

		onTokenWritten(t)
	}

	return ArtifactDescriptor{Location: s.cfg.URL, Count: count}, nil
}

func (s *HTTPSink) Flush(ctx context.Context) error { return nil }
func (s *HTTPSink) Close() error                    { return nil }

var _ SinkPlugin = (*HTTPSink)(nil)
