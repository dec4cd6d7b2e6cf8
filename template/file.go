package template

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
)

// nodeTemplateSchema is the shape every node template document must have.
const nodeTemplateSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"Label": {"type": "string"},
		"Type": {"type": "string"},
		"Description": {"type": "string"},
		"PortsInst": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["Direction"],
				"properties": {
					"Template": {"type": "string"},
					"Message": {"type": "string"},
					"Callback": {"type": "string"},
					"Direction": {"enum": ["In", "Out"]}
				}
			}
		},
		"Parameter": {
			"type": "object",
			"additionalProperties": {"type": "object"}
		}
	}
}`

var nodeSchema = gojsonschema.NewStringLoader(nodeTemplateSchema)

// ValidateNodeDocument checks a decoded node template against the schema.
func ValidateNodeDocument(doc map[string]any) error {
	result, err := gojsonschema.Validate(nodeSchema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "template", "ValidateNodeDocument", "run schema")
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.WrapInvalid(errors.New(strings.Join(msgs, "; ")), "template", "ValidateNodeDocument", "validate node template")
	}
	return nil
}

// FileFetcher reads templates from <dir>/Node/<name>.{yaml,yml,json} and
// <dir>/Flow/<name>.{yaml,yml,json}.
type FileFetcher struct {
	dir string
}

// NewFileFetcher checks dir exists.
func NewFileFetcher(dir string) (*FileFetcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.WrapInvalid(err, "template", "NewFileFetcher", "stat template dir")
	}
	if !info.IsDir() {
		return nil, errors.WrapInvalid(fmt.Errorf("%s is not a directory", dir), "template", "NewFileFetcher", "stat template dir")
	}
	return &FileFetcher{dir: dir}, nil
}

// FetchNode reads and validates a node template.
func (f *FileFetcher) FetchNode(_ context.Context, name string) (*NodeTemplate, error) {
	doc, err := f.read(KindNode, name)
	if err != nil {
		return nil, err
	}
	if err := ValidateNodeDocument(doc); err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "template", "FetchNode", "encode template")
	}
	t, err := ParseNodeTemplate(name, data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "template", "FetchNode", "decode template")
	}
	return t, nil
}

// FetchFlow reads a flow document.
func (f *FileFetcher) FetchFlow(_ context.Context, name string) (*FlowTemplate, error) {
	doc, err := f.read(KindFlow, name)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "template", "FetchFlow", "encode flow")
	}
	flow, err := flowstore.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return &FlowTemplate{Name: name, Document: flow}, nil
}

func (f *FileFetcher) read(kind Kind, name string) (map[string]any, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, errors.WrapInvalid(fmt.Errorf("name %q", name), "template", "FileFetcher.read", "check template name")
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(f.dir, string(kind), name+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "template", "FileFetcher.read", "read template file")
		}

		var doc map[string]any
		if ext == ".json" {
			err = json.Unmarshal(data, &doc)
		} else {
			err = yaml.Unmarshal(data, &doc)
		}
		if err != nil {
			return nil, errors.WrapInvalid(err, "template", "FileFetcher.read", "parse "+path)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		return doc, nil
	}
	return nil, fmt.Errorf("%s %q: %w", kind, name, errors.ErrTemplateNotFound)
}
