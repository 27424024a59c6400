package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// CompileType parses a CUE value into a Type. The value is the type struct
// itself, labelled by the type name:
//
//	type: Essay: {
//		base: ["text", "author"]
//		computed: ["wordCount"]
//		children: author: "Person"
//	}
func CompileType(v cue.Value) (*Type, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	t := &Type{Children: map[string]string{}}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		t.Name = labels[len(labels)-1].String()
	}

	var err error
	if t.Base, err = stringList(v, "base"); err != nil {
		return nil, err
	}
	if t.Computed, err = stringList(v, "computed"); err != nil {
		return nil, err
	}

	children := v.LookupPath(cue.ParsePath("children"))
	if children.Exists() {
		iter, err := children.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			childType, err := iter.Value().String()
			if err != nil {
				return nil, &CompileError{Field: "children." + iter.Label(), Message: "child type must be a string", Pos: iter.Value().Pos()}
			}
			t.Children[iter.Label()] = childType
		}
	}

	if err := t.Validate(); err != nil {
		return nil, &CompileError{Field: t.Name, Message: err.Error(), Pos: v.Pos()}
	}
	return t, nil
}

// CompileTypes parses every struct under the top-level "type" field.
func CompileTypes(v cue.Value) ([]*Type, error) {
	typesVal := v.LookupPath(cue.ParsePath("type"))
	if !typesVal.Exists() {
		return nil, &CompileError{Field: "type", Message: "no type declarations found", Pos: v.Pos()}
	}
	iter, err := typesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var types []*Type
	for iter.Next() {
		t, err := CompileType(iter.Value())
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// CompileString compiles CUE source text into a registry.
func CompileString(src string) (*Registry, error) {
	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return registryFrom(v)
}

// LoadDir loads every .cue file in dir as one CUE instance and compiles
// its type declarations into a registry.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("types directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", err)
	}
	v := cuecontext.New().BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return registryFrom(v)
}

func registryFrom(v cue.Value) (*Registry, error) {
	types, err := CompileTypes(v)
	if err != nil {
		return nil, err
	}
	reg, err := NewRegistry(types...)
	if err != nil {
		return nil, err
	}
	if err := reg.CheckReferences(); err != nil {
		return nil, err
	}
	return reg, nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(field))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, &CompileError{Field: field, Message: "must be a list of field names", Pos: lv.Pos()}
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{Field: field, Message: "field names must be strings", Pos: iter.Value().Pos()}
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a type declaration error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
