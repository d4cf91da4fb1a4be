package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/longregen/promptloop/internal/ports"
)

type Generator struct{}

var _ ports.IDGenerator = (*Generator)(nil)

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

func (g *Generator) GenerateRunID() string {
	return g.generate("run")
}

func (g *Generator) GenerateEventID() string {
	return g.generate("evt")
}

func (g *Generator) GenerateExampleID() string {
	return g.generate("ex")
}
