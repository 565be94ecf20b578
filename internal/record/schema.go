package record

import "slices"

// Field describes one column of a record schema.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// Schema describes the shape of the records in a stream. The conversion stage
// upstream owns its evolution; the forker only copies it per branch.
type Schema struct {
	Name   string  `json:"name" yaml:"name"`
	Fields []Field `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Copy returns a schema that shares no slices with s.
func (s Schema) Copy() Schema {
	return Schema{Name: s.Name, Fields: slices.Clone(s.Fields)}
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
