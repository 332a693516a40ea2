// Package skills discovers SKILL.md files and serves them to runs as
// prompt-injected capabilities.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename for skill definitions.
	SkillFilename = "SKILL.md"

	// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
	FrontmatterDelimiter = "---"
)

// SourceType indicates where a skill was discovered from.
type SourceType string

const (
	SourceAgent     SourceType = "agent"     // <workspace>/.agent/skills/
	SourceWorkspace SourceType = "workspace" // <workspace>/.skills/
	SourceHome      SourceType = "home"      // ~/.strand/skills/
	SourceExtra     SourceType = "extra"     // caller-supplied directories
	SourceManual    SourceType = "manual"    // registered programmatically
)

// Entry is a parsed skill.
type Entry struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Version     string `json:"version,omitempty" yaml:"version"`
	License     string `json:"license,omitempty" yaml:"license"`

	// Content is the markdown body without frontmatter.
	Content string `json:"-"`

	// References holds `- ./path` entries collected from the body.
	References []string `json:"references,omitempty"`

	// Path is the directory the skill was discovered in.
	Path string `json:"path,omitempty"`

	Source SourceType `json:"source"`
}

// referencePattern collects `- ./path` list items anywhere in the body.
var referencePattern = regexp.MustCompile(`(?m)^\s*-\s+(\./\S+)`)

// ParseFile parses a SKILL.md file. The directory name is the fallback
// skill name when the frontmatter omits one.
func ParseFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skills: read %s: %w", path, err)
	}
	entry, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("skills: parse %s: %w", path, err)
	}
	entry.Path = filepath.Dir(path)
	if entry.Name == "" {
		entry.Name = filepath.Base(entry.Path)
	}
	return entry, nil
}

// Parse parses SKILL.md content. Frontmatter is optional; without it the
// whole input is the body.
func Parse(data []byte) (*Entry, error) {
	frontmatter, body := splitFrontmatter(data)

	var entry Entry
	if len(frontmatter) > 0 {
		if err := yaml.Unmarshal(frontmatter, &entry); err != nil {
			return nil, fmt.Errorf("frontmatter: %w", err)
		}
	}

	entry.Content = strings.TrimSpace(string(body))
	for _, match := range referencePattern.FindAllStringSubmatch(entry.Content, -1) {
		entry.References = append(entry.References, match[1])
	}
	return &entry, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body. Input
// without a leading delimiter, or without a closing one, is all body.
func splitFrontmatter(data []byte) (frontmatter, body []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, data
	}

	var frontmatterLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !closed {
		return nil, data
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	return []byte(strings.Join(frontmatterLines, "\n")), []byte(strings.Join(bodyLines, "\n"))
}
