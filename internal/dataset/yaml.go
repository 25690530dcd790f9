package dataset

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed sample.yaml
var sampleYAML []byte

// document is the on-disk YAML layout.
type document struct {
	Nodes []*Entity `yaml:"nodes"`
}

// DecodeYAML parses a forest from YAML. Unknown fields are rejected.
func DecodeYAML(r io.Reader) ([]*Entity, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("decode dataset: empty document")
		}
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return doc.Nodes, nil
}

// EncodeYAML writes a forest in the layout DecodeYAML reads.
func EncodeYAML(w io.Writer, roots []*Entity) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(document{Nodes: roots}); err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	return enc.Close()
}

// SampleEntities returns a fresh copy of the built-in demo forest.
func SampleEntities() []*Entity {
	roots, err := DecodeYAML(bytes.NewReader(sampleYAML))
	if err != nil {
		panic(fmt.Sprintf("embedded sample dataset: %v", err))
	}
	return roots
}

// Sample returns a dataset over the built-in demo forest.
func Sample() *Dataset {
	d, err := New(SampleEntities())
	if err != nil {
		panic(fmt.Sprintf("embedded sample dataset: %v", err))
	}
	return d
}

// ReadFile loads a forest from a YAML file.
func ReadFile(path string) ([]*Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	roots, err := DecodeYAML(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return roots, nil
}

// LoadFile builds a dataset from a YAML file.
func LoadFile(path string) (*Dataset, error) {
	roots, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(roots)
}
