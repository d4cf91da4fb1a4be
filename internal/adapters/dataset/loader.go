// Package dataset reads labeled examples and prompts from files.
//
// Examples may be stored as a JSON array, JSON Lines (one object per line)
// or a YAML list. Prompts are plain text with "### Name" block headers, or a
// JSON/YAML list of {name, content} blocks.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
)

// Format is a dataset file encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatText  Format = "text"
)

// maxLineBytes bounds a single JSON Lines record.
const maxLineBytes = 4 << 20

// FormatFromPath infers the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".txt", ".md", ".prompt":
		return FormatText, nil
	}
	return "", domain.NewDomainError(domain.ErrInvalidInput, fmt.Sprintf("unsupported dataset file %q", path))
}

// LoadExamples reads examples from path. Examples without an id get one from
// newID, or their 1-based position when newID is nil.
func LoadExamples(path string, newID func() string) ([]models.LabeledExample, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	examples, err := DecodeExamples(f, format, newID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}

// DecodeExamples reads examples in the given format.
func DecodeExamples(r io.Reader, format Format, newID func() string) ([]models.LabeledExample, error) {
	var (
		examples []models.LabeledExample
		err      error
	)
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		err = dec.Decode(&examples)
	case FormatJSONL:
		examples, err = decodeJSONLines(r)
	case FormatYAML:
		err = decodeYAML(r, &examples)
	default:
		return nil, domain.NewDomainError(domain.ErrInvalidInput, fmt.Sprintf("format %q cannot hold examples", format))
	}
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, err.Error())
	}

	for i := range examples {
		if examples[i].ID != "" {
			continue
		}
		if newID != nil {
			examples[i].ID = newID()
		} else {
			examples[i].ID = fmt.Sprintf("%d", i+1)
		}
	}
	return examples, nil
}

func decodeJSONLines(r io.Reader) ([]models.LabeledExample, error) {
	var out []models.LabeledExample
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var ex models.LabeledExample
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&ex); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeYAML decodes a single document, rejecting unknown fields.
func decodeYAML(r io.Reader, out any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errors.New("multiple YAML documents are not supported")
	}
	return nil
}

// LoadPrompt reads a prompt file and validates it against schema.
func LoadPrompt(path string, schema models.Schema) (models.Prompt, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		// prompts are usually extensionless text
		format = FormatText
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Prompt{}, fmt.Errorf("read prompt: %w", err)
	}
	p, err := DecodePrompt(data, format, schema)
	if err != nil {
		return models.Prompt{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// DecodePrompt parses a prompt in the given format.
func DecodePrompt(data []byte, format Format, schema models.Schema) (models.Prompt, error) {
	var blocks []models.Block
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&blocks); err != nil {
			return models.Prompt{}, domain.NewDomainError(domain.ErrInvalidPrompt, err.Error())
		}
	case FormatYAML:
		var raw []struct {
			Name    string `yaml:"name"`
			Content string `yaml:"content"`
		}
		if err := decodeYAML(bytes.NewReader(data), &raw); err != nil {
			return models.Prompt{}, domain.NewDomainError(domain.ErrInvalidPrompt, err.Error())
		}
		for _, b := range raw {
			blocks = append(blocks, models.Block{Name: b.Name, Content: b.Content})
		}
	case FormatText:
		return models.ParsePrompt(string(data), schema)
	default:
		return models.Prompt{}, domain.NewDomainError(domain.ErrInvalidInput, fmt.Sprintf("format %q cannot hold a prompt", format))
	}
	if len(blocks) == 0 {
		return models.Prompt{}, domain.NewDomainError(domain.ErrInvalidPrompt, "prompt has no blocks")
	}
	return models.NewPrompt(schema, blocks...)
}
