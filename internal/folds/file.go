package folds

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gampwise/internal/corpus"
)

// Encode renders assignments as a YAML mapping of fold id to its train and
// validation ids, in fold order.
func Encode(assignments []Assignment) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, a := range assignments {
		var body yaml.Node
		if err := body.Encode(a); err != nil {
			return nil, fmt.Errorf("folds: encode %s: %w", a.FoldID, err)
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: a.FoldID},
			&body,
		)
	}
	return yaml.Marshal(root)
}

// Decode parses a fold file. Fold order follows the file.
func Decode(data []byte) ([]Assignment, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("folds: parse: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("folds: empty fold file")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("folds: fold file must be a mapping of fold id to sets")
	}
	out := make([]Assignment, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		var a Assignment
		if err := root.Content[i+1].Decode(&a); err != nil {
			return nil, fmt.Errorf("folds: decode %s: %w", root.Content[i].Value, err)
		}
		a.FoldID = root.Content[i].Value
		out = append(out, a)
	}
	return out, nil
}

// Save writes assignments to path.
func Save(path string, assignments []Assignment) error {
	data, err := Encode(assignments)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("folds: write %s: %w", path, err)
	}
	return nil
}

// Load reads a fold file and validates it against docs.
func Load(path string, docs []corpus.Document, tol float64) ([]Assignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("folds: read %s: %w", path, err)
	}
	out, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if tol <= 0 {
		tol = DefaultTolerance
	}
	if err := Validate(out, docs, tol); err != nil {
		return nil, err
	}
	return out, nil
}
