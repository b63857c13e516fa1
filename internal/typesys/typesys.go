// Package typesys implements the data-format catalog: per-datatype
// convert/detect/validate contracts, pluggable format converters, and
// the MobyleType metadata that travels with every bound parameter value.
package typesys

import (
	"fmt"
	"log/slog"
)

// Constraints carries the per-parameter validation limits a datatype
// checks against. The engine maps them from the service definition.
type Constraints struct {
	// ValueList restricts the value to a declared set (Choice types).
	ValueList []string
	// Min and Max bound numeric values when set.
	Min *float64
	Max *float64
	// Separator joins multiple-choice selections.
	Separator string
}

// Source is the content to materialize for a file-like parameter:
// either inline data or an existing file to hard-link/copy.
type Source struct {
	Name string
	Data []byte
	Path string
}

// Type is the contract every datatype implements.
type Type interface {
	// Name returns the datatype key ("Integer", "Sequence", ...).
	Name() string

	// Convert casts a raw value against the accepted type and returns
	// the stored value plus the MobyleType actually produced.
	Convert(value any, accepted MobyleType) (any, MobyleType, error)

	// Validate checks a converted value against parameter constraints.
	Validate(value any, c Constraints) error
}

// FileType extends Type for datatypes whose values live in files.
type FileType interface {
	Type

	// Detect sniffs the concrete format of existing file data. It never
	// fails on unknown content: the result then carries an empty format.
	Detect(path string) MobyleType

	// ToFile materializes src inside dir under a collision-safe name
	// and returns the name actually used.
	ToFile(src Source, dir string) (string, error)

	// Head returns a bounded preview of the file content.
	Head(path string, maxBytes int) (string, error)
}

// Registry is the closed datatype/converter catalog, resolved once at
// startup. Lookups are by datatype key, never by runtime reflection.
type Registry struct {
	logger     *slog.Logger
	types      map[string]Type
	converters []Converter
}

// NewRegistry creates a Registry with all builtin datatypes registered.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		logger: logger.With("component", "typesys"),
		types:  make(map[string]Type),
	}
	r.Register(BooleanType{})
	r.Register(IntegerType{})
	r.Register(FloatType{})
	r.Register(StringType{})
	r.Register(ChoiceType{})
	r.Register(MultipleChoiceType{})
	r.Register(&TextType{})
	r.Register(&BinaryType{})
	r.Register(&FilenameType{})
	r.Register(&SequenceType{registry: r})
	return r
}

// Register adds a datatype, replacing any previous one under the same key.
func (r *Registry) Register(t Type) {
	r.types[t.Name()] = t
}

// Type returns the datatype for the given key.
func (r *Registry) Type(name string) (Type, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("unknown datatype %q", name)
	}
	return t, nil
}

// FileType returns the datatype for the given key if it is file-like.
func (r *Registry) FileType(name string) (FileType, error) {
	t, err := r.Type(name)
	if err != nil {
		return nil, err
	}
	ft, ok := t.(FileType)
	if !ok {
		return nil, fmt.Errorf("datatype %q does not hold file data", name)
	}
	return ft, nil
}

// RegisterConverter appends a format converter to the chain-search order.
func (r *Registry) RegisterConverter(c Converter) {
	r.converters = append(r.converters, c)
	r.logger.Debug("converter registered", "name", c.Name())
}
