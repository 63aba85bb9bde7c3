package worker

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/midst/internal/snapshot"
)

//go:embed rawcontent.cue
var rawContentCUE string

// SchemaValidator validates snapshots against a CUE definition.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Validate
// serializes callers.
type SchemaValidator struct {
	mu         sync.Mutex
	ctx        *cue.Context
	definition cue.Value
}

// NewRawContentValidator returns a validator for the editor's raw content
// shape (#RawContent in rawcontent.cue).
func NewRawContentValidator() (*SchemaValidator, error) {
	return NewSchemaValidator(rawContentCUE, "#RawContent")
}

// NewSchemaValidator compiles src and selects the definition at path.
func NewSchemaValidator(src, path string) (*SchemaValidator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return nil, fmt.Errorf("compile schema: definition %s not found", path)
	}
	return &SchemaValidator{ctx: ctx, definition: def}, nil
}

// Validate unifies s with the definition and requires a concrete result.
func (v *SchemaValidator) Validate(s snapshot.Snapshot) error {
	expr, err := cuejson.Extract("snapshot.json", s.Bytes())
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	value := v.ctx.BuildExpr(expr)
	if err := value.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := v.definition.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
