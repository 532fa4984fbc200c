package ident

import (
	"fmt"

	"github.com/google/uuid"
)

// UUIDGenerator produces random (version 4) session IDs.
type UUIDGenerator struct{}

// NewUUIDGenerator creates a session ID generator.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// Generate returns a new UUID string.
func (g *UUIDGenerator) Generate() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}
