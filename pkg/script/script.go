// Package script loads per-company, per-role interview scripts.
//
// Scripts are YAML files laid out as <dir>/<company>/<role>.yaml. They are read once when a
// session starts; a missing script or a missing required field is a fatal configuration error.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"interviewer/pkg/faults"
)

// Script is the content a session asks about.
type Script struct {
	Company            string `yaml:"company"`
	Role               string `yaml:"role"`
	BackgroundQuestion string `yaml:"background_question"`
	CodingChallenge    string `yaml:"coding_challenge"`
	// Task describes the coding challenge for accountability scoring; defaults to CodingChallenge.
	Task string `yaml:"task,omitempty"`
}

// Source supplies scripts.
type Source interface {
	Load(ctx context.Context, company, role string) (*Script, error)
}

// Validate reports the first missing required field.
func (s *Script) Validate() error {
	const op = "script.validate"
	switch {
	case strings.TrimSpace(s.Company) == "":
		return faults.Missing(op, "company")
	case strings.TrimSpace(s.Role) == "":
		return faults.Missing(op, "role")
	case strings.TrimSpace(s.BackgroundQuestion) == "":
		return faults.Missing(op, "background_question")
	case strings.TrimSpace(s.CodingChallenge) == "":
		return faults.Missing(op, "coding_challenge")
	}
	return nil
}

// TaskText returns Task, falling back to the coding challenge.
func (s *Script) TaskText() string {
	if s.Task != "" {
		return s.Task
	}
	return s.CodingChallenge
}

// Parse decodes and validates a script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, faults.Wrap(faults.KindConfigurationMissing, "script.parse", err, "script is not valid YAML")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes a company or role name into a path element.
func Slug(name string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// FileSource reads scripts from a directory tree.
type FileSource struct {
	dir string
}

// NewFileSource creates a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Path returns the file that holds the script for company and role.
func (f *FileSource) Path(company, role string) string {
	return filepath.Join(f.dir, Slug(company), Slug(role)+".yaml")
}

// Load implements Source.
func (f *FileSource) Load(_ context.Context, company, role string) (*Script, error) {
	const op = "script.load"
	if Slug(company) == "" {
		return nil, faults.Missing(op, "company")
	}
	if Slug(role) == "" {
		return nil, faults.Missing(op, "role")
	}

	path := f.Path(company, role)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, faults.Wrap(faults.KindConfigurationMissing, op, err, fmt.Sprintf("no script for %s/%s", company, role))
	}
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	return Parse(data)
}

// Static serves scripts from memory, keyed by Key(company, role).
type Static map[string]*Script

// Key builds the Static lookup key.
func Key(company, role string) string {
	return Slug(company) + "/" + Slug(role)
}

// Load implements Source.
func (s Static) Load(_ context.Context, company, role string) (*Script, error) {
	sc, ok := s[Key(company, role)]
	if !ok {
		return nil, faults.Newf(faults.KindConfigurationMissing, "script.load", "no script for %s/%s", company, role)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}
