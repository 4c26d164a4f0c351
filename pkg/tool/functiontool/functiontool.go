// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package functiontool builds registry tools from typed Go functions.
//
// The parameter schema is reflected from the args struct's json and
// jsonschema tags, and inputs are decoded back into the struct before the
// function runs, so tool authors never touch raw maps.
//
// # Basic Usage
//
//	type GetWeatherArgs struct {
//	    City  string `json:"city" jsonschema:"required,description=City name"`
//	    Units string `json:"units,omitempty" jsonschema:"description=Temperature units,default=celsius,enum=celsius|fahrenheit"`
//	}
//
//	weatherTool, err := functiontool.New(
//	    functiontool.Config{
//	        Name:        "get_weather",
//	        Description: "Get current weather for a city",
//	    },
//	    func(ctx context.Context, args GetWeatherArgs) (map[string]any, error) {
//	        return map[string]any{"temp": 22, "condition": "sunny"}, nil
//	    },
//	)
//
// For tools with dynamic schemas or internal state, implement tool.Tool
// directly.
package functiontool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/cascade/pkg/tool"
)

// Config defines the identity of a function tool.
type Config struct {
	// Name is the unique registry name (required).
	Name string

	// Description explains what the tool does (required).
	// Shown to the model to help it decide when to call the tool.
	Description string

	// Tags classify the tool for manifest selection.
	Tags []string

	// ParallelSafe marks the tool safe for per-turn fan-out.
	ParallelSafe bool
}

// New creates a tool from a typed function.
//
// The function signature must be:
//
//	func(ctx context.Context, args Args) (map[string]any, error)
//
// where Args is a struct whose json and jsonschema tags define the
// parameter schema.
func New[Args any](cfg Config, fn func(context.Context, Args) (map[string]any, error)) (tool.Tool, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	return &functionTool[Args]{
		config: cfg,
		fn:     fn,
		schema: schema,
	}, nil
}

// NewWithValidation creates a tool whose decoded arguments pass a custom
// validator before the function runs. Use it for checks struct tags cannot
// express.
//
//	functiontool.NewWithValidation(
//	    cfg,
//	    readFile,
//	    func(args ReadFileArgs) error {
//	        if strings.Contains(args.Path, "..") {
//	            return fmt.Errorf("path traversal not allowed")
//	        }
//	        return nil
//	    },
//	)
func NewWithValidation[Args any](
	cfg Config,
	fn func(context.Context, Args) (map[string]any, error),
	validate func(Args) error,
) (tool.Tool, error) {
	base, err := New(cfg, fn)
	if err != nil {
		return nil, err
	}

	return &validatedTool[Args]{
		functionTool: base.(*functionTool[Args]),
		validate:     validate,
	}, nil
}

// functionTool implements tool.Tool by wrapping a typed function.
type functionTool[Args any] struct {
	config Config
	fn     func(context.Context, Args) (map[string]any, error)
	schema map[string]any
}

// Name returns the tool name.
func (t *functionTool[Args]) Name() string {
	return t.config.Name
}

// Description returns the tool description.
func (t *functionTool[Args]) Description() string {
	return t.config.Description
}

// Schema returns the reflected JSON schema for the tool's inputs.
func (t *functionTool[Args]) Schema() map[string]any {
	return t.schema
}

// Tags returns the manifest tags.
func (t *functionTool[Args]) Tags() []string {
	return t.config.Tags
}

// ParallelSafe reports whether the tool may join the per-turn fan-out.
func (t *functionTool[Args]) ParallelSafe() bool {
	return t.config.ParallelSafe
}

// Invoke decodes the inputs into the typed args and calls the function.
func (t *functionTool[Args]) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	var args Args
	if err := decodeInputs(inputs, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}

	return t.fn(ctx, args)
}

// validatedTool wraps a function tool with custom validation.
type validatedTool[Args any] struct {
	*functionTool[Args]
	validate func(Args) error
}

// Invoke runs validation on the decoded args before calling the function.
func (t *validatedTool[Args]) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	var args Args
	if err := decodeInputs(inputs, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}

	if err := t.validate(args); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", t.config.Name, err)
	}

	return t.fn(ctx, args)
}

// validateConfig checks that the configuration is valid.
func validateConfig(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return fmt.Errorf("tool description is required")
	}
	return nil
}

// Verify interface compliance at compile time
var _ tool.Tool = (*functionTool[struct{}])(nil)
var _ tool.Tool = (*validatedTool[struct{}])(nil)
