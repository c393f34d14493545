package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	// Built-in schemas are constants; a compile failure is a programming error.
	for name, schema := range map[string]string{
		"settings":      builtinSettingsSchema,
		"project":       builtinSettingsSchema,
		"task":          builtinSettingsSchema,
		"includedBuild": builtinSettingsSchema,
	} {
		if err := sr.RegisterSchema(name, schema); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema registers a CUE schema with the given name. The schema
// must define a definition named after the capitalized schema name, e.g.
// "#Settings" for "settings".
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definitionName(name))
	}

	sr.schemas[name] = def
	return nil
}

// Context returns the CUE runtime the schemas were compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return sr.validateValue(schema, sr.ctx.Encode(data))
}

// Check unifies an already-compiled value with a named schema. Validation
// errors are returned as CUE errors so positions survive.
func (sr *SchemaRegistry) Check(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val).Validate(cue.Concrete(true))
}

func (sr *SchemaRegistry) validateValue(schema, val cue.Value) error {
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateSettings validates a settings model against the settings schema.
func (sr *SchemaRegistry) ValidateSettings(ctx context.Context, settings SettingsConfig) error {
	return sr.ValidateAgainstSchema(ctx, "settings", settings)
}

// ValidateTask validates a task declaration against the task schema.
func (sr *SchemaRegistry) ValidateTask(ctx context.Context, task TaskConfig) error {
	return sr.ValidateAgainstSchema(ctx, "task", task)
}

func definitionName(name string) string {
	if name == "" {
		return "#"
	}
	return "#" + strings.ToUpper(name[:1]) + name[1:]
}

const builtinSettingsSchema = `
#Name: =~"^[a-zA-Z0-9_.-]+$"

#Settings: {
	rootProject?: #Project
	projects?: {[=~"^:?[a-zA-Z0-9_.-]+(:[a-zA-Z0-9_.-]+)*$"]: #Project}
	includedBuilds?: {[#Name]: #IncludedBuild}
	defaultProject?: string
	defaultTasks?: [...string]
	properties?: {[string]: _}
}

#Project: {
	name?:        #Name
	dir?:         string
	buildScript?: string
	tasks?: {[#Name]: #Task}
}

#Task: {
	description?: string
	dependsOn?: [...(string & !="")]
	script?: string
}

#IncludedBuild: {
	dir: string & !=""
}
`
