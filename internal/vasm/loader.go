package vasm

import (
	"bytes"
	"encoding/json"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/voike/internal/validation"
	"github.com/rendis/voike/pkg/schema"
)

// Format is a VASM source encoding.
type Format string

const (
	FormatAuto Format = ""
	FormatAsm  Format = "asm"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a format from a file extension.
func FormatFromPath(p string) Format {
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".vasm", ".asm", ".s":
		return FormatAsm
	}
	return FormatAuto
}

// Loader decodes VASM sources. Structured documents are validated against
// the program JSON Schema before they are converted.
type Loader struct {
	validator validation.Validator
}

// NewLoader returns a Loader. A nil validator skips schema validation.
func NewLoader(v validation.Validator) *Loader {
	return &Loader{validator: v}
}

// Decode reads data as format. FormatAuto sniffs: a leading '{' is JSON, a
// top-level "instructions:" key is YAML, anything else is assembly text.
func (l *Loader) Decode(data []byte, format Format) (*Program, error) {
	if format == FormatAuto {
		format = sniff(data)
	}

	var doc any
	switch format {
	case FormatAsm:
		return Assemble(string(data))
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeParse, "invalid JSON program: "+err.Error()).WithCause(err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeParse, "invalid YAML program: "+err.Error()).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown program format %q", format)
	}

	if l.validator != nil {
		if err := l.validator.ValidateProgram(doc); err != nil {
			return nil, err
		}
	}
	return fromDocument(doc)
}

func sniff(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		return FormatJSON
	}
	for _, line := range strings.Split(string(trimmed), "\n") {
		if strings.HasPrefix(line, "instructions:") {
			return FormatYAML
		}
	}
	return FormatAsm
}

// fromDocument converts a validated document into a Program, normalizing
// numeric operands to int64 when they are whole.
func fromDocument(doc any) (*Program, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to encode program").WithCause(err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Program
	if err := dec.Decode(&p); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid program: "+err.Error()).WithCause(err)
	}
	for i := range p.Instructions {
		in := &p.Instructions[i]
		in.Op = strings.ToUpper(in.Op)
		for j, a := range in.Args {
			if n, ok := a.(json.Number); ok {
				if v, err := n.Int64(); err == nil {
					in.Args[j] = v
				} else if f, err := n.Float64(); err == nil {
					in.Args[j] = f
				}
			}
		}
	}
	if _, err := p.Labels(); err != nil {
		return nil, err
	}
	return &p, nil
}
