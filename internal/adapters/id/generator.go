package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Generator struct{}

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

func (g *Generator) GenerateConversationID() string {
	return g.generate("qc")
}

func (g *Generator) GenerateMessageID() string {
	return g.generate("qm")
}

func (g *Generator) GenerateReasoningStepID() string {
	return g.generate("qrs")
}

func (g *Generator) GenerateSubqueryID() string {
	return g.generate("qsq")
}

func (g *Generator) GenerateSlotID() string {
	return g.generate("qsl")
}

func (g *Generator) GenerateSlotItemID() string {
	return g.generate("qsi")
}

func (g *Generator) GenerateQuoteID() string {
	return g.generate("qqt")
}
