// Package manifest loads and validates scene descriptor files.
//
// A manifest is a small YAML document naming a scene, its entry script and
// the directory its content is served from:
//
//	id: plaza
//	title: Plaza
//	main: main.lua
//	content: ./plaza
//	env:
//	  GREETING: hello
//
// Manifests are checked against an embedded CUE schema before use.
package manifest

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/lifecycle"
)

//go:embed schema.cue
var schemaSource string

// Validation error codes.
const (
	ErrSchema      = "M100" // value violates the schema
	ErrDuplicateID = "M101" // two manifests share an id
	ErrMainMissing = "M102" // entry script not found under the content root
	ErrSyntax      = "M103" // not a YAML document of the expected shape
)

// Manifest describes one scene.
type Manifest struct {
	ID       string            `yaml:"id" json:"id"`
	Title    string            `yaml:"title,omitempty" json:"title,omitempty"`
	Main     string            `yaml:"main" json:"main"`
	Portable bool              `yaml:"portable,omitempty" json:"portable,omitempty"`
	Content  string            `yaml:"content,omitempty" json:"content,omitempty"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Path is the file the manifest was loaded from.
	Path string `yaml:"-" json:"path,omitempty"`
}

// ValidationError is one problem found in a manifest.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// InvalidError carries every problem found in one manifest.
type InvalidError struct {
	Path   string
	Errors []ValidationError
}

func (e *InvalidError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	name := e.Path
	if name == "" {
		name = "manifest"
	}
	return fmt.Sprintf("%s: %s", name, strings.Join(msgs, "; "))
}

var (
	schemaOnce sync.Once
	schemaMu   sync.Mutex // cue.Context is not safe for concurrent use
	schemaCtx  *cue.Context
	schemaVal  cue.Value
	schemaErr  error
)

func sceneSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", err)
			return
		}
		schemaVal = v.LookupPath(cue.ParsePath("#Scene"))
	})
	return schemaCtx, schemaVal, schemaErr
}

// Parse decodes a manifest and validates it. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, &InvalidError{Errors: []ValidationError{{Message: err.Error(), Code: ErrSyntax}}}
	}
	if errs := Validate(&m); len(errs) > 0 {
		return nil, &InvalidError{Errors: errs}
	}
	return &m, nil
}

// Load reads, parses and validates the manifest at path, and checks that
// its entry script exists.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		var inv *InvalidError
		if errors.As(err, &inv) {
			inv.Path = path
		}
		return nil, err
	}
	m.Path = path
	if _, err := os.Stat(filepath.Join(m.Root(), filepath.FromSlash(m.Main))); err != nil {
		return nil, &InvalidError{Path: path, Errors: []ValidationError{{
			Field:   "main",
			Message: fmt.Sprintf("entry script %q not found under %s", m.Main, m.Root()),
			Code:    ErrMainMissing,
		}}}
	}
	return m, nil
}

// LoadAll loads every manifest and rejects duplicate ids.
func LoadAll(paths []string) ([]*Manifest, error) {
	var (
		out  []*Manifest
		errs []error
		seen = make(map[string]string)
	)
	for _, p := range paths {
		m, err := Load(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, ok := seen[m.ID]; ok {
			errs = append(errs, &InvalidError{Path: p, Errors: []ValidationError{{
				Field:   "id",
				Message: fmt.Sprintf("scene id %q already used by %s", m.ID, prev),
				Code:    ErrDuplicateID,
			}}})
			continue
		}
		seen[m.ID] = p
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}

// Validate checks m against the schema and returns every violation.
func Validate(m *Manifest) []ValidationError {
	ctx, schema, err := sceneSchema()
	if err != nil {
		return []ValidationError{{Message: err.Error(), Code: ErrSchema}}
	}
	schemaMu.Lock()
	defer schemaMu.Unlock()
	v := schema.Unify(ctx.Encode(m.fields()))
	err = v.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		out = append(out, ValidationError{
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
			Code:    ErrSchema,
		})
	}
	return out
}

// fields renders m as the document the schema sees. Unset optional
// fields are left out so that only present values are constrained.
func (m *Manifest) fields() map[string]any {
	f := map[string]any{"id": m.ID, "main": m.Main}
	if m.ID == "" {
		delete(f, "id")
	}
	if m.Main == "" {
		delete(f, "main")
	}
	if m.Title != "" {
		f["title"] = m.Title
	}
	if m.Portable {
		f["portable"] = true
	}
	if m.Content != "" {
		f["content"] = m.Content
	}
	if len(m.Env) > 0 {
		env := make(map[string]any, len(m.Env))
		for k, v := range m.Env {
			env[k] = v
		}
		f["env"] = env
	}
	return f
}

// Root is the content directory, resolved against the manifest's own
// directory when relative.
func (m *Manifest) Root() string {
	root := m.Content
	if root == "" {
		root = "."
	}
	if filepath.IsAbs(root) || m.Path == "" {
		return root
	}
	return filepath.Join(filepath.Dir(m.Path), root)
}

// Descriptor converts m into an activation request served from its
// content root.
func (m *Manifest) Descriptor() lifecycle.Descriptor {
	title := m.Title
	if title == "" {
		title = m.ID
	}
	return lifecycle.Descriptor{
		ID:       m.ID,
		Title:    title,
		Main:     m.Main,
		Portable: m.Portable,
		Env:      m.Env,
		Content:  content.DirResolver{Root: m.Root()},
	}
}
