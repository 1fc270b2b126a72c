package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/procurehq/be-purchase-orders/internal/freeagent"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

// CategoryMappingStore persists learned keyword mappings per organization.
type CategoryMappingStore interface {
	ListByOrganization(ctx context.Context, orgID string) ([]*repository.ExpenseCategoryMapping, error)
	Upsert(ctx context.Context, orgID, keyword, categoryURL string) error
}

// keywordGroup names an expense group and the keywords that signal it.
type keywordGroup struct {
	Group    string
	Keywords []string
}

// builtinKeywordGroups is the fallback table consulted when no stored
// mapping matches. Group keywords are matched against both the line
// description and candidate category descriptions. Order matters: a
// description touching two groups resolves to the earlier one.
var builtinKeywordGroups = []keywordGroup{
	{Group: "software", Keywords: []string{"software", "subscription", "saas", "license", "licence", "app", "cloud"}},
	{Group: "hardware", Keywords: []string{"hardware", "laptop", "computer", "monitor", "keyboard", "server", "equipment"}},
	{Group: "consulting", Keywords: []string{"consulting", "consultant", "advisory", "freelance", "contractor", "professional services"}},
	{Group: "travel", Keywords: []string{"travel", "flight", "hotel", "train", "taxi", "mileage", "accommodation"}},
	{Group: "office", Keywords: []string{"office", "stationery", "furniture", "supplies", "printing"}},
	{Group: "marketing", Keywords: []string{"marketing", "advertising", "ads", "promotion", "sponsorship"}},
	{Group: "utilities", Keywords: []string{"utilities", "electricity", "internet", "phone", "broadband", "hosting"}},
	{Group: "training", Keywords: []string{"training", "course", "conference", "workshop", "certification"}},
}

// CategoryMapper suggests ledger expense categories for free-text line-item
// descriptions and learns from successfully billed lines.
type CategoryMapper struct {
	store CategoryMappingStore
	log   zerolog.Logger
}

// NewCategoryMapper creates a new CategoryMapper.
func NewCategoryMapper(store CategoryMappingStore, log zerolog.Logger) *CategoryMapper {
	return &CategoryMapper{store: store, log: log}
}

// SuggestCategory resolves a description to a category URL, or "" when no
// suggestion can be made — the caller must then require a manual choice
// rather than guess. Resolution order: stored organization mappings by
// substring (first match wins, no ranking), then the built-in keyword-group
// table.
func (m *CategoryMapper) SuggestCategory(ctx context.Context, description, orgID string, categories []freeagent.Category) (string, error) {
	descLower := strings.ToLower(description)

	mappings, err := m.store.ListByOrganization(ctx, orgID)
	if err != nil {
		return "", err
	}
	for _, mapping := range mappings {
		if strings.Contains(descLower, strings.ToLower(mapping.Keyword)) {
			return mapping.CategoryURL, nil
		}
	}

	for _, kg := range builtinKeywordGroups {
		if !anyKeywordIn(descLower, kg.Keywords) {
			continue
		}
		for _, cat := range categories {
			catLower := strings.ToLower(cat.Description)
			if strings.Contains(catLower, kg.Group) || anyKeywordIn(catLower, kg.Keywords) {
				return cat.URL, nil
			}
		}
	}

	return "", nil
}

// LearnedLine pairs a billed line description with the category it resolved to.
type LearnedLine struct {
	Description string
	CategoryURL string
}

// LearnMappings upserts one mapping per billed line after a successful bill
// creation. The keyword is the first word longer than three characters in
// the description, falling back to its first 20 characters. Deliberately
// lossy; new synonyms overwrite rather than merge.
func (m *CategoryMapper) LearnMappings(ctx context.Context, orgID string, lines []LearnedLine) {
	for _, line := range lines {
		keyword := learnedKeyword(line.Description)
		if keyword == "" || line.CategoryURL == "" {
			continue
		}
		if err := m.store.Upsert(ctx, orgID, keyword, line.CategoryURL); err != nil {
			m.log.Warn().Err(err).
				Str("organization_id", orgID).
				Str("keyword", keyword).
				Msg("Failed to store learned category mapping")
		}
	}
}

func learnedKeyword(description string) string {
	for _, word := range strings.Fields(description) {
		cleaned := strings.ToLower(strings.Trim(word, ".,;:!?()[]{}\"'"))
		if len(cleaned) > 3 {
			return cleaned
		}
	}

	trimmed := strings.TrimSpace(strings.ToLower(description))
	if len(trimmed) > 20 {
		trimmed = trimmed[:20]
	}
	return trimmed
}

func anyKeywordIn(haystack string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
