package loader

import (
	"strings"
)

// Architecture names.
const (
	ArchitectureGPT2    = "gpt2"
	ArchitectureUnknown = ""
)

// WeightMapper maps checkpoint-specific weight names to canonical names.
type WeightMapper interface {
	// MapName converts a checkpoint weight name to its canonical name.
	MapName(name string) string

	// Architecture returns the architecture name (e.g., "gpt2").
	Architecture() string
}

// GPT2Mapper maps GPT-2 weight names to canonical names.
// Checkpoints saved from GPT2LMHeadModel prefix the backbone with
// "transformer."; checkpoints saved from GPT2Model do not:
//   - transformer.wte.weight -> wte.weight
//   - transformer.h.{i}.attn.c_attn.weight -> h.{i}.attn.c_attn.weight
//   - lm_head.weight -> lm_head.weight
type GPT2Mapper struct{}

// NewGPT2Mapper creates a new GPT-2 weight mapper.
func NewGPT2Mapper() *GPT2Mapper {
	return &GPT2Mapper{}
}

// MapName strips the "transformer." prefix.
func (m *GPT2Mapper) MapName(name string) string {
	return strings.TrimPrefix(name, "transformer.")
}

// Architecture returns "gpt2".
func (m *GPT2Mapper) Architecture() string {
	return ArchitectureGPT2
}

type identityMapper struct{}

func (identityMapper) MapName(name string) string { return name }
func (identityMapper) Architecture() string       { return ArchitectureUnknown }

// DetectArchitecture attempts to detect model architecture from weight names.
func DetectArchitecture(names []string) string {
	for _, name := range names {
		n := strings.TrimPrefix(name, "transformer.")
		if n == "wte.weight" || strings.HasSuffix(n, ".attn.c_attn.weight") {
			return ArchitectureGPT2
		}
	}
	return ArchitectureUnknown
}

// GetMapper returns the appropriate weight mapper for an architecture.
func GetMapper(architecture string) WeightMapper {
	switch architecture {
	case ArchitectureGPT2:
		return NewGPT2Mapper()
	default:
		return identityMapper{}
	}
}
