// Package pipelinecfg loads a pipeline definition file (nodes, edges,
// aggregation/coalesce policies, retry settings, and backend selection) and
// builds the wired internal/orchestrator.Config cmd/elspeth drives a run
// from.
package pipelinecfg

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elspeth-io/elspeth/internal/config"
	"github.com/elspeth-io/elspeth/internal/graph"
	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/orchestrator"
	"github.com/elspeth-io/elspeth/internal/payloadstore"
	"github.com/elspeth-io/elspeth/internal/plugin"
	"github.com/elspeth-io/elspeth/internal/processor"
	"github.com/elspeth-io/elspeth/internal/secrets"
	"github.com/elspeth-io/elspeth/internal/telemetry"
)

// DefaultConfigPath is where cmd/elspeth looks for a pipeline definition when
// --config is not given.
const DefaultConfigPath = "elspeth.yaml"

// ConfigPathEnvVar overrides DefaultConfigPath in LoadFromEnv.
const ConfigPathEnvVar = "ELSPETH_CONFIG_PATH"

// Definition is the on-disk shape of a complete pipeline: backend selection,
// every node/edge of the execution graph, and the processor-level policies
// that do not fit a plain NodeSpec (aggregation, coalesce, retry).
type Definition struct {
	Run          RunSection           `yaml:"run"`
	Recorder     RecorderSection      `yaml:"recorder"`
	PayloadStore PayloadStoreSection  `yaml:"payload_store"` //nolint:tagliatelle // snake_case is intentional for YAML
	Telemetry    TelemetrySection     `yaml:"telemetry"`
	Nodes        []NodeDefinition     `yaml:"nodes"`
	Edges        []EdgeDefinition     `yaml:"edges"`
	Aggregations []AggregationDefinition `yaml:"aggregations"`
	Coalesce     []CoalesceDefinition `yaml:"coalesce"`
	Retry        *RetryDefinition     `yaml:"retry"`
	//nolint:tagliatelle // snake_case is intentional for YAML
	ExportAudit bool `yaml:"export_audit"`
}

// RunSection carries the values the Orchestrator stamps onto every Run row.
type RunSection struct {
	ConfigHash       string `yaml:"config_hash"`
	CanonicalVersion string `yaml:"canonical_version"`
}

// RecorderSection selects and configures the Landscape Recorder backend.
type RecorderSection struct {
	// Backend is one of "sqlite_memory", "sqlite_file", "sqlite_dsn", or
	// "postgres"; empty selects "sqlite_memory".
	Backend string `yaml:"backend"`
	// Path is the SQLite file path, used when Backend is "sqlite_file".
	Path string `yaml:"path"`
	// DSN is the connection string, used when Backend is "postgres" (or as a
	// raw SQLite DSN when Backend is "sqlite_dsn").
	DSN string `yaml:"dsn"`
}

// TelemetrySection configures where ExternalCallCompleted events are
// published. Omitted or Brokers empty means telemetry is a no-op.
type TelemetrySection struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PayloadStoreSection configures the content-addressed payload store.
type PayloadStoreSection struct {
	Root string `yaml:"root"`
}

// NodeDefinition describes one execution-graph node and, inline, the
// configuration of the concrete plugin instance it is assigned.
type NodeDefinition struct {
	ID            string            `yaml:"id"`
	Type          string            `yaml:"type"` // source | transform | gate | sink
	Plugin        string            `yaml:"plugin"`
	GateName      string            `yaml:"gate_name"`
	PluginVersion string            `yaml:"version"`
	Determinism   string            `yaml:"determinism"`
	ConfigHash    string            `yaml:"config_hash"`
	Routes        map[string]string `yaml:"routes"`
	OnError       string            `yaml:"on_error"`
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	OnValidationFailure string                  `yaml:"on_validation_failure"`
	CSVSource           *plugin.CSVSourceConfig `yaml:"csv_source"`
	//nolint:tagliatelle
	FieldMapper *plugin.FieldMapperConfig `yaml:"field_mapper"`
	//nolint:tagliatelle
	FieldGate *plugin.FieldGateConfig `yaml:"field_gate"`
	//nolint:tagliatelle
	FileSink *plugin.FileSinkConfig `yaml:"file_sink"`
	//nolint:tagliatelle
	HTTPSink *plugin.HTTPSinkConfig `yaml:"http_sink"`
}

// EdgeDefinition describes one execution-graph edge.
type EdgeDefinition struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Label string `yaml:"label"`
}

// AggregationDefinition configures one aggregation node's trigger and output mode.
type AggregationDefinition struct {
	NodeID         string `yaml:"node_id"`
	OutputMode     string `yaml:"output_mode"`
	TriggerCount   *int   `yaml:"trigger_count"`
	TriggerTimeout string `yaml:"trigger_timeout"`
	EndOfSource    bool   `yaml:"end_of_source"`
}

// CoalesceDefinition configures one join node's awaited branch set.
type CoalesceDefinition struct {
	NodeID          string   `yaml:"node_id"`
	AwaitedBranches []string `yaml:"awaited_branches"`
}

// RetryDefinition overrides processor.DefaultRetryConfig.
type RetryDefinition struct {
	MaxRetries     uint64 `yaml:"max_retries"`
	MaxElapsed     string `yaml:"max_elapsed"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// Load reads and parses a pipeline definition file. A missing or malformed
// definition is returned as an error; there is no fallback definition.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted CLI input
	if err != nil {
		return nil, fmt.Errorf("pipelinecfg: read %s: %w", path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("pipelinecfg: parse %s: %w", path, err)
	}

	return &def, nil
}

// LoadFromEnv loads the definition at ELSPETH_CONFIG_PATH, or
// DefaultConfigPath if unset.
func LoadFromEnv() (*Definition, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return Load(path)
}

// Build wires def into a complete orchestrator.Config: it opens the selected
// Recorder and Payload Store backends, instantiates every node's plugin,
// assembles the Execution Graph, and starts the telemetry publisher. The
// returned closer releases the telemetry publisher (and should be deferred
// by the caller). It does not close the Recorder, and neither does the
// Orchestrator.
func Build(def *Definition) (orchestrator.Config, func() error, error) {
	var cfg orchestrator.Config

	g, err := buildGraph(def)
	if err != nil {
		return cfg, noopClose, err
	}

	rec, err := buildRecorder(def.Recorder)
	if err != nil {
		return cfg, noopClose, err
	}

	store, err := payloadstore.NewFilesystemStore(def.PayloadStore.Root)
	if err != nil {
		return cfg, noopClose, fmt.Errorf("pipelinecfg: build payload store: %w", err)
	}

	source, transforms, gates, sinks, err := buildPlugins(def)
	if err != nil {
		return cfg, noopClose, err
	}

	aggregations, err := buildAggregations(def.Aggregations)
	if err != nil {
		return cfg, noopClose, err
	}

	retryCfg, err := buildRetryConfig(def.Retry)
	if err != nil {
		return cfg, noopClose, err
	}

	publisher := buildTelemetryPublisher(def.Telemetry)

	cfg = orchestrator.Config{
		Graph:            g,
		Recorder:         rec,
		PayloadStore:     store,
		Source:           source,
		Transforms:       transforms,
		Gates:            gates,
		Sinks:            sinks,
		Aggregations:     aggregations,
		CoalesceNodes:    buildCoalesceNodes(def.Coalesce),
		Retry:            processor.NewRetryManager(retryCfg),
		ConfigHash:       def.Run.ConfigHash,
		CanonicalVersion: def.Run.CanonicalVersion,
		ExportAudit:      def.ExportAudit,
		FingerprintKeys:  secrets.EnvProvider{},
		Emit:             telemetry.EmitFunc(context.Background(), publisher),
	}

	return cfg, publisher.Close, nil
}

func noopClose() error { return nil }

// buildTelemetryPublisher returns a Kafka-backed publisher when brokers are
// configured, or telemetry.NoopPublisher otherwise — telemetry is always
// diagnostic, never required for a run to proceed.
func buildTelemetryPublisher(ts TelemetrySection) telemetry.Publisher {
	if len(ts.Brokers) == 0 || ts.Topic == "" {
		return telemetry.NoopPublisher{}
	}

	return telemetry.NewKafkaPublisher(telemetry.KafkaConfig{Brokers: ts.Brokers, Topic: ts.Topic})
}

func buildGraph(def *Definition) (*graph.Graph, error) {
	nodes := make([]graph.NodeSpec, 0, len(def.Nodes))

	for _, n := range def.Nodes {
		spec := graph.NodeSpec{
			NodeID:              n.ID,
			NodeType:            landscape.NodeType(n.Type),
			PluginName:          n.Plugin,
			PluginVersion:       n.PluginVersion,
			ConfigHash:          n.ConfigHash,
			Determinism:         landscape.Determinism(n.Determinism),
			GateName:            n.GateName,
			Routes:              n.Routes,
			OnError:             n.OnError,
			OnValidationFailure: n.OnValidationFailure,
		}

		if spec.Determinism == "" {
			spec.Determinism = landscape.DeterminismDeterministic
		}

		nodes = append(nodes, spec)
	}

	edges := make([]graph.EdgeSpec, 0, len(def.Edges))
	for _, e := range def.Edges {
		edges = append(edges, graph.EdgeSpec{FromNodeID: e.From, ToNodeID: e.To, Label: e.Label})
	}

	g, err := graph.Build(nodes, edges)
	if err != nil {
		return nil, fmt.Errorf("pipelinecfg: build graph: %w", err)
	}

	return g, nil
}

func buildRecorder(rc RecorderSection) (landscape.Recorder, error) {
	switch rc.Backend {
	case "", "sqlite_memory":
		return landscape.NewSQLiteMemoryRecorder()
	case "sqlite_file":
		return landscape.NewSQLiteFileRecorder(rc.Path)
	case "sqlite_dsn":
		return landscape.NewSQLiteDSNRecorder(rc.DSN)
	case "postgres":
		return landscape.NewPostgresRecorder(landscape.PostgresConfig{DatabaseURL: rc.DSN})
	default:
		return nil, fmt.Errorf("pipelinecfg: unknown recorder backend %q", rc.Backend)
	}
}

func buildPlugins(def *Definition) (
	plugin.SourcePlugin, map[string]plugin.TransformPlugin, map[string]plugin.GatePlugin, map[string]plugin.SinkPlugin, error,
) {
	var source plugin.SourcePlugin

	transforms := make(map[string]plugin.TransformPlugin)
	gates := make(map[string]plugin.GatePlugin)
	sinks := make(map[string]plugin.SinkPlugin)

	for _, n := range def.Nodes {
		switch landscape.NodeType(n.Type) {
		case landscape.NodeTypeSource:
			s, err := buildSource(n)
			if err != nil {
				return nil, nil, nil, nil, err
			}

			source = s
		case landscape.NodeTypeTransform:
			if n.FieldMapper == nil {
				continue // aggregation-only nodes may carry no inline plugin
			}

			t, err := plugin.NewFieldMapperTransform(*n.FieldMapper, n.OnError)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("pipelinecfg: node %s: %w", n.ID, err)
			}

			transforms[n.ID] = t
		case landscape.NodeTypeGate:
			if n.FieldGate == nil {
				continue // coalesce-only nodes carry no gate plugin
			}

			gt, err := plugin.NewFieldGate(*n.FieldGate)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("pipelinecfg: node %s: %w", n.ID, err)
			}

			gates[n.ID] = gt
		case landscape.NodeTypeSink:
			sk, err := buildSink(n)
			if err != nil {
				return nil, nil, nil, nil, err
			}

			sinks[n.ID] = sk
		}
	}

	return source, transforms, gates, sinks, nil
}

func buildSource(n NodeDefinition) (plugin.SourcePlugin, error) {
	if n.CSVSource == nil {
		return nil, fmt.Errorf("pipelinecfg: source node %s missing csv_source config", n.ID)
	}

	s, err := plugin.NewCSVSource(*n.CSVSource)
	if err != nil {
		return nil, fmt.Errorf("pipelinecfg: node %s: %w", n.ID, err)
	}

	return s, nil
}

func buildSink(n NodeDefinition) (plugin.SinkPlugin, error) {
	switch {
	case n.FileSink != nil:
		return plugin.NewFileSink(*n.FileSink)
	case n.HTTPSink != nil:
		return plugin.NewHTTPSink(*n.HTTPSink)
	default:
		return nil, fmt.Errorf("pipelinecfg: sink node %s has no plugin config", n.ID)
	}
}

func buildAggregations(defs []AggregationDefinition) (map[string]processor.AggregationPolicy, error) {
	out := make(map[string]processor.AggregationPolicy, len(defs))

	for _, d := range defs {
		trigger := processor.TriggerPolicy{EndOfSource: d.EndOfSource}

		if d.TriggerCount != nil {
			trigger.Count = d.TriggerCount
		}

		if d.TriggerTimeout != "" {
			dur, err := time.ParseDuration(d.TriggerTimeout)
			if err != nil {
				return nil, fmt.Errorf("pipelinecfg: aggregation %s: %w", d.NodeID, err)
			}

			trigger.WallClockTimeout = &dur
		}

		out[d.NodeID] = processor.AggregationPolicy{
			NodeID:     d.NodeID,
			Trigger:    trigger,
			OutputMode: processor.OutputMode(d.OutputMode),
		}
	}

	return out, nil
}

func buildCoalesceNodes(defs []CoalesceDefinition) map[string]processor.CoalescePolicy {
	out := make(map[string]processor.CoalescePolicy, len(defs))

	for _, d := range defs {
		out[d.NodeID] = processor.CoalescePolicy{NodeID: d.NodeID, AwaitedBranches: d.AwaitedBranches}
	}

	return out
}

func buildRetryConfig(def *RetryDefinition) (processor.RetryConfig, error) {
	cfg := processor.DefaultRetryConfig()

	if def == nil {
		return cfg, nil
	}

	if def.MaxRetries > 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	var err error

	if def.MaxElapsed != "" {
		if cfg.MaxElapsed, err = time.ParseDuration(def.MaxElapsed); err != nil {
			return cfg, fmt.Errorf("pipelinecfg: retry.max_elapsed: %w", err)
		}
	}

	if def.InitialBackoff != "" {
		if cfg.InitialBackoff, err = time.ParseDuration(def.InitialBackoff); err != nil {
			return cfg, fmt.Errorf("pipelinecfg: retry.initial_backoff: %w", err)
		}
	}

	if def.MaxBackoff != "" {
		if cfg.MaxBackoff, err = time.ParseDuration(def.MaxBackoff); err != nil {
			return cfg, fmt.Errorf("pipelinecfg: retry.max_backoff: %w", err)
		}
	}

	return cfg, nil
}
