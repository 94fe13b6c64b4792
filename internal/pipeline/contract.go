// Package pipeline provides the in-process row and schema-contract types that
// flow through the execution graph. Unlike the landscape's persisted domain
// model, these types are never written to the database directly — they are
// reconstructed per row from payload-store bytes and a node's schema config.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// SchemaMode controls how strictly a SchemaContract enforces field shape.
type SchemaMode string

const (
	// SchemaFixed uses only the declared field set and is locked from
	// construction; ValidateRow checks that every required declared field is
	// present and does not reject fields outside the declared set.
	SchemaFixed SchemaMode = "FIXED"

	// SchemaFlexible allows additional fields beyond the declared set, and
	// infers + locks the contract from the first valid row.
	SchemaFlexible SchemaMode = "FLEXIBLE"

	// SchemaObserved has no declared fields at all; the entire contract is
	// inferred from the first valid row and then locked.
	SchemaObserved SchemaMode = "OBSERVED"
)

// IsValid reports whether m is one of the closed set of schema modes.
func (m SchemaMode) IsValid() bool {
	switch m {
	case SchemaFixed, SchemaFlexible, SchemaObserved:
		return true
	default:
		return false
	}
}

// FieldSource records whether a field came from configuration or inference.
type FieldSource string

const (
	// FieldDeclared means the field was present in the node's configuration.
	FieldDeclared FieldSource = "declared"
	// FieldInferred means the field was discovered from the first valid row.
	FieldInferred FieldSource = "inferred"
)

// FieldSpec describes one field of a SchemaContract, in declaration order.
type FieldSpec struct {
	NormalizedName string
	OriginalName   string
	PythonType     string
	Required       bool
	Source         FieldSource
}

// Sentinel errors for schema-contract operations.
var (
	// ErrSchemaLocked is returned when an attempt is made to mutate a contract
	// that has already locked (first valid row under FLEXIBLE/OBSERVED).
	ErrSchemaLocked = errors.New("schema contract is locked")

	// ErrSchemaModeInvalid is returned when constructing a contract with an
	// unrecognized SchemaMode.
	ErrSchemaModeInvalid = errors.New("invalid schema mode")

	// ErrFieldMissing is returned when a row checked against a locked contract
	// (any mode) is missing a required field.
	ErrFieldMissing = errors.New("required field missing from row")
)

// SchemaContract describes the shape of rows flowing out of a source, and is
// propagated unchanged alongside every token until the contract locks.
//
// Locking happens once: the first valid row admitted under FLEXIBLE or
// OBSERVED mode infers any fields not already declared, then the contract is
// frozen. FIXED contracts are locked from construction (nothing to infer).
type SchemaContract struct {
	mu     sync.RWMutex
	mode   SchemaMode
	fields []FieldSpec
	locked bool
}

// NewSchemaContract constructs a contract from a set of declared fields. FIXED
// contracts lock immediately; FLEXIBLE/OBSERVED contracts remain open for
// inference until the first valid row.
func NewSchemaContract(mode SchemaMode, declared []FieldSpec) (*SchemaContract, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrSchemaModeInvalid, mode)
	}

	fields := make([]FieldSpec, len(declared))
	copy(fields, declared)

	return &SchemaContract{
		mode:   mode,
		fields: fields,
		locked: mode == SchemaFixed,
	}, nil
}

// Mode returns the contract's schema mode.
func (c *SchemaContract) Mode() SchemaMode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.mode
}

// Locked reports whether the contract has been frozen.
func (c *SchemaContract) Locked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.locked
}

// Fields returns a copy of the contract's ordered field specs.
func (c *SchemaContract) Fields() []FieldSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]FieldSpec, len(c.fields))
	copy(out, c.fields)

	return out
}

// fieldIndex returns the index of a field by either its normalized or
// original name. Caller must hold at least a read lock.
func (c *SchemaContract) fieldIndex(name string) (int, bool) {
	for i, f := range c.fields {
		if f.NormalizedName == name || f.OriginalName == name {
			return i, true
		}
	}

	return 0, false
}

// InferAndLock infers any undeclared fields present in row (in row field
// order, appended after declared fields) and locks the contract. Calling
// InferAndLock on an already-locked contract is a no-op returning nil — it is
// the caller's responsibility (the source plugin) to call this only once, on
// the first valid row, but repeated calls from a defensive caller must not
// corrupt the frozen shape.
func (c *SchemaContract) InferAndLock(row *PipelineRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		return nil
	}

	for _, name := range row.FieldOrder() {
		if _, ok := c.fieldIndex(name); ok {
			continue
		}

		c.fields = append(c.fields, FieldSpec{
			NormalizedName: name,
			OriginalName:   name,
			PythonType:     "str",
			Required:       false,
			Source:         FieldInferred,
		})
	}

	c.locked = true

	return nil
}

// ValidateRow checks that row carries every required field of the contract.
// Fields of row that the contract does not list are not rejected, in any mode.
// FLEXIBLE and OBSERVED rows are only checked once locked (pre-lock, anything
// is allowed since the contract is still being discovered).
func (c *SchemaContract) ValidateRow(row *PipelineRow) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.locked {
		return nil
	}

	for _, f := range c.fields {
		if !f.Required {
			continue
		}

		if _, ok := row.Get(f.NormalizedName); !ok {
			return fmt.Errorf("%w: %s", ErrFieldMissing, f.NormalizedName)
		}
	}

	return nil
}
