// Package agent loads agent persona definitions from disk, caches them in
// the KV store, and renders them into system prompts.
package agent

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// MenuItem is one command an agent advertises.
type MenuItem struct {
	Command     string `yaml:"command" json:"command"`
	Description string `yaml:"description" json:"description"`
	Workflow    string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
}

// Definition is an immutable agent persona parsed from a definition file.
type Definition struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Title string `yaml:"title" json:"title"`
	Icon  string `yaml:"icon,omitempty" json:"icon,omitempty"`

	// Persona is the markdown body below the front-matter, verbatim.
	Persona string `yaml:"-" json:"persona"`

	Menu            []MenuItem `yaml:"menu,omitempty" json:"menu,omitempty"`
	ActivationSteps []string   `yaml:"activation_steps,omitempty" json:"activation_steps,omitempty"`
	Language        string     `yaml:"language,omitempty" json:"language,omitempty"`
}

const frontMatterDelimiter = "---"

// Parse decodes one agent definition file: YAML front-matter between ---
// delimiters, then the markdown persona.
func Parse(data []byte) (*Definition, error) {
	text := strings.ReplaceAll(string(bytes.TrimSpace(data)), "\r\n", "\n")
	if !strings.HasPrefix(text, frontMatterDelimiter+"\n") {
		return nil, fmt.Errorf("missing front-matter delimiter")
	}

	rest := text[len(frontMatterDelimiter)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelimiter)
	if end < 0 {
		return nil, fmt.Errorf("unterminated front-matter")
	}
	front := rest[:end]
	body := rest[end+len(frontMatterDelimiter)+1:]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}

	var def Definition
	if err := yaml.Unmarshal([]byte(front), &def); err != nil {
		return nil, fmt.Errorf("parse front-matter: %w", err)
	}
	def.Persona = strings.TrimSpace(body)

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the required fields. Icon and persona may be empty.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent definition: id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("agent %q: name is required", d.ID)
	}
	if d.Title == "" {
		return fmt.Errorf("agent %q: title is required", d.ID)
	}
	for i, item := range d.Menu {
		if item.Command == "" {
			return fmt.Errorf("agent %q: menu entry %d has no command", d.ID, i)
		}
		if item.Description == "" {
			return fmt.Errorf("agent %q: menu entry %d has no description", d.ID, i)
		}
	}
	return nil
}

// Summary is the listing shape exposed over the API.
type Summary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Icon  string `json:"icon,omitempty"`
}

// Summarize projects the definition for listings.
func (d *Definition) Summarize() Summary {
	return Summary{ID: d.ID, Name: d.Name, Title: d.Title, Icon: d.Icon}
}
