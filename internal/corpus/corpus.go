// Package corpus loads the labeled documents an evaluation runs over.
package corpus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gampwise/internal/knowledge"
)

var (
	// ErrDuplicateDocument is returned when two manifest entries share an id.
	ErrDuplicateDocument = errors.New("corpus: duplicate document id")

	// ErrNoContent is returned for a document with neither a path nor inline text.
	ErrNoContent = errors.New("corpus: document has no content")
)

// Document is one specification in the corpus. The label is the expected
// GAMP category; unlabeled documents are allowed in single runs.
type Document struct {
	ID         string `json:"id" yaml:"id"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Text       string `json:"text,omitempty" yaml:"text,omitempty"`
	Label      string `json:"label,omitempty" yaml:"label,omitempty"`
	Complexity string `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	Stub       *Stub  `json:"stub,omitempty" yaml:"stub,omitempty"`
}

// Content returns the document body, read through its path when no inline
// text is present.
func (d Document) Content() (string, error) {
	if d.Text != "" {
		return d.Text, nil
	}
	if d.Path == "" {
		return "", fmt.Errorf("%w: %s", ErrNoContent, d.ID)
	}
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return "", fmt.Errorf("corpus: read %s: %w", d.ID, err)
	}
	return string(data), nil
}

// Stub scripts the offline collaborators for one document.
type Stub struct {
	Scores          map[string]float64   `json:"scores,omitempty" yaml:"scores,omitempty"`
	ClassifierFault string               `json:"classifier_fault,omitempty" yaml:"classifier_fault,omitempty"`
	ClassifierDelay time.Duration        `json:"classifier_delay,omitempty" yaml:"classifier_delay,omitempty"`
	Agents          map[string]AgentStub `json:"agents,omitempty" yaml:"agents,omitempty"`
	// Decisions maps a consultation kind to the scripted reviewer answer.
	// A kind with no entry is left to the timeout default.
	Decisions map[string]string `json:"decisions,omitempty" yaml:"decisions,omitempty"`
}

// AgentStub scripts one sub-agent.
type AgentStub struct {
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Fault   string         `json:"fault,omitempty" yaml:"fault,omitempty"`
	Delay   time.Duration  `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// Manifest lists the corpus and, optionally, passages to seed the
// knowledge base with.
type Manifest struct {
	Documents []Document          `json:"documents" yaml:"documents"`
	Knowledge []knowledge.Passage `json:"knowledge,omitempty" yaml:"knowledge,omitempty"`

	byID map[string]int
}

// LoadManifest reads a YAML (or JSON) manifest. Relative document paths are
// resolved against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: read manifest: %w", err)
	}
	return ParseManifest(data, filepath.Dir(path))
}

// ParseManifest decodes a manifest. JSON is accepted since it is valid YAML.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corpus: parse manifest: %w", err)
	}
	if err := m.index(baseDir); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewManifest builds a manifest from in-memory documents.
func NewManifest(docs ...Document) (*Manifest, error) {
	m := &Manifest{Documents: docs}
	if err := m.index(""); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) index(baseDir string) error {
	m.byID = make(map[string]int, len(m.Documents))
	for i := range m.Documents {
		d := &m.Documents[i]
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return fmt.Errorf("corpus: document %d has no id", i)
		}
		if _, dup := m.byID[d.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateDocument, d.ID)
		}
		if d.Path == "" && d.Text == "" {
			return fmt.Errorf("%w: %s", ErrNoContent, d.ID)
		}
		if d.Path != "" && baseDir != "" && !filepath.IsAbs(d.Path) {
			d.Path = filepath.Join(baseDir, d.Path)
		}
		m.byID[d.ID] = i
	}
	return nil
}

// Lookup returns the document with id.
func (m *Manifest) Lookup(id string) (Document, bool) {
	i, ok := m.byID[id]
	if !ok {
		return Document{}, false
	}
	return m.Documents[i], true
}

// IDs returns every document id in manifest order.
func (m *Manifest) IDs() []string {
	out := make([]string, len(m.Documents))
	for i, d := range m.Documents {
		out[i] = d.ID
	}
	return out
}

// Labels returns the distinct labels, sorted.
func (m *Manifest) Labels() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range m.Documents {
		if !seen[d.Label] {
			seen[d.Label] = true
			out = append(out, d.Label)
		}
	}
	sort.Strings(out)
	return out
}
