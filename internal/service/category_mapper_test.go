package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/be-purchase-orders/internal/freeagent"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

func TestSuggestCategoryPrefersStoredMappings(t *testing.T) {
	store := newFakeMappingStore()
	store.mappings = []*repository.ExpenseCategoryMapping{
		{Keyword: "adobe", CategoryURL: "https://api.example.com/v2/categories/100"},
	}
	mapper := NewCategoryMapper(store, testLogger())

	categories := []freeagent.Category{
		{URL: softwareCategoryURL, Description: "Computer Software"},
	}

	url, err := mapper.SuggestCategory(context.Background(), "Adobe Creative Cloud subscription", "org-1", categories)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v2/categories/100", url,
		"a stored mapping wins over the built-in table")
}

func TestSuggestCategoryFallsBackToBuiltinGroups(t *testing.T) {
	mapper := NewCategoryMapper(newFakeMappingStore(), testLogger())

	categories := []freeagent.Category{
		{URL: "https://api.example.com/v2/categories/285", Description: "Accommodation and Meals"},
		{URL: softwareCategoryURL, Description: "Computer Software"},
	}

	tests := []struct {
		description string
		expected    string
	}{
		{"Adobe Creative Cloud subscription", softwareCategoryURL},
		{"Annual SaaS license renewal", softwareCategoryURL},
		{"Hotel for the London conference", "https://api.example.com/v2/categories/285"},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			url, err := mapper.SuggestCategory(context.Background(), tt.description, "org-1", categories)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, url)
		})
	}
}

func TestSuggestCategoryIsDeterministicAcrossGroups(t *testing.T) {
	mapper := NewCategoryMapper(newFakeMappingStore(), testLogger())

	// Touches both the marketing ("advertising") and utilities ("internet")
	// groups; the earlier entry in the table must win every time.
	categories := []freeagent.Category{
		{URL: "https://api.example.com/v2/categories/270", Description: "Utilities"},
		{URL: "https://api.example.com/v2/categories/251", Description: "Advertising"},
	}

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		url, err := mapper.SuggestCategory(context.Background(), "internet advertising campaign", "org-1", categories)
		require.NoError(t, err)
		seen[url] = struct{}{}
	}

	require.Len(t, seen, 1)
	_, ok := seen["https://api.example.com/v2/categories/251"]
	assert.True(t, ok, "marketing precedes utilities in the group table")
}

func TestSuggestCategoryReturnsEmptyWhenNothingMatches(t *testing.T) {
	mapper := NewCategoryMapper(newFakeMappingStore(), testLogger())

	url, err := mapper.SuggestCategory(context.Background(), "Misc widget", "org-1", []freeagent.Category{
		{URL: softwareCategoryURL, Description: "Computer Software"},
	})
	require.NoError(t, err)
	assert.Empty(t, url, "no guess: the caller must require a manual choice")
}

func TestLearnMappings(t *testing.T) {
	store := newFakeMappingStore()
	mapper := NewCategoryMapper(store, testLogger())

	mapper.LearnMappings(context.Background(), "org-1", []LearnedLine{
		{Description: "Adobe Creative Cloud subscription", CategoryURL: softwareCategoryURL},
		{Description: "", CategoryURL: softwareCategoryURL},
		{Description: "Dell monitor", CategoryURL: ""},
	})

	assert.Equal(t, map[string]string{"adobe": softwareCategoryURL}, store.upserted)
}

func TestLearnMappingsUpsertFailureIsNonFatal(t *testing.T) {
	store := newFakeMappingStore()
	store.upsertErr = fmt.Errorf("unique violation")
	mapper := NewCategoryMapper(store, testLogger())

	mapper.LearnMappings(context.Background(), "org-1", []LearnedLine{
		{Description: "Adobe Creative Cloud subscription", CategoryURL: softwareCategoryURL},
	})
}

func TestLearnedKeyword(t *testing.T) {
	assert.Equal(t, "adobe", learnedKeyword("Adobe Creative Cloud subscription"))
	// Punctuation is trimmed before the length check.
	assert.Equal(t, "monitor", learnedKeyword("4K monitor, 27 inch"))
	// No word longer than three characters: fall back to a 20-char prefix.
	assert.Equal(t, "a b c", learnedKeyword("a b c"))
	assert.Equal(t, "ab cd ef gh ij kl mn", learnedKeyword("ab cd ef gh ij kl mn op qr"))
}
