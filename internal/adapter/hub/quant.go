package hub

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tensorfetch/tensorfetch/internal/domain"
)

// quantPattern matches GGUF-style quantization tags embedded in
// filenames, e.g. "llama-3-8b.Q4_K_M.gguf" or "model-iq2_xxs.gguf".
var quantPattern = regexp.MustCompile(`(?i)\b(i?q[0-9](?:_[a-z0-9]+)*|f16|f32|bf16)\b`)

// quantTag extracts the quantization tag from a filename, or returns ""
func quantTag(filename string) string {
	if !strings.Contains(strings.ToLower(filename), ".gguf") {
		return ""
	}
	match := quantPattern.FindString(filename)
	return strings.ToUpper(match)
}

// GroupByQuant aggregates descriptors into quantization groups, sorted
// by tag. Files without a tag are excluded.
func GroupByQuant(descriptors []domain.FileDescriptor) []domain.QuantizationGroup {
	byTag := make(map[string]*domain.QuantizationGroup)

	for _, desc := range descriptors {
		if desc.QuantTag == "" {
			continue
		}
		group, ok := byTag[desc.QuantTag]
		if !ok {
			group = &domain.QuantizationGroup{Tag: desc.QuantTag}
			byTag[desc.QuantTag] = group
		}
		group.Files = append(group.Files, desc)
		group.TotalSize += desc.Size
	}

	groups := make([]domain.QuantizationGroup, 0, len(byTag))
	for _, group := range byTag {
		groups = append(groups, *group)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Tag < groups[j].Tag
	})

	return groups
}
