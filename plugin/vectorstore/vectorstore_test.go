package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// letterEmbedding embeds text as letter frequencies so similarity is stable.
func letterEmbedding(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 27)
	v[26] = 1
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

func seed(t *testing.T) *Store {
	t.Helper()
	s, err := New("", letterEmbedding)
	require.NoError(t, err)
	err = s.Upsert(context.Background(), "silo_1",
		Document{ID: "a", Content: "apples and apricots", Metadata: map[string]string{"lang": "en", "year": "2021", "team": "red"}},
		Document{ID: "b", Content: "bananas", Metadata: map[string]string{"lang": "en", "year": "2023", "team": "blue"}},
		Document{ID: "c", Content: "manzanas", Metadata: map[string]string{"lang": "es", "year": "2024", "team": "red"}},
		Document{ID: "d", Content: "zzz", Metadata: map[string]string{"lang": "eu"}},
	)
	require.NoError(t, err)
	return s
}

func ids(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.ID)
	}
	return out
}

func TestSearch(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	results, err := s.Search(ctx, "silo_1", "apples apricots", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(results))

	results, err = s.Search(ctx, "silo_1", "anything", 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 4)

	results, err = s.Search(ctx, "missing", "anything", 3, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchWithFilter(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter map[string]any
		want   []string
	}{
		{name: "bare eq", filter: map[string]any{"lang": "en"}, want: []string{"a", "b"}},
		{name: "explicit eq", filter: map[string]any{"lang": map[string]any{"$eq": "es"}}, want: []string{"c"}},
		{name: "ne", filter: map[string]any{"lang": map[string]any{"$ne": "en"}}, want: []string{"c", "d"}},
		{name: "gte number", filter: map[string]any{"year": map[string]any{"$gte": 2023}}, want: []string{"b", "c"}},
		{name: "lt number", filter: map[string]any{"year": map[string]any{"$lt": 2023.5}}, want: []string{"a", "b"}},
		{name: "in", filter: map[string]any{"team": map[string]any{"$in": []any{"blue", "green"}}}, want: []string{"b"}},
		{name: "nin", filter: map[string]any{"team": map[string]any{"$nin": []any{"red"}}}, want: []string{"b", "d"}},
		{name: "or", filter: map[string]any{"$or": []any{
			map[string]any{"lang": "eu"},
			map[string]any{"year": map[string]any{"$gt": 2023}},
		}}, want: []string{"c", "d"}},
		{name: "and with pushdown", filter: map[string]any{"$and": []any{
			map[string]any{"lang": "en"},
			map[string]any{"team": map[string]any{"$ne": "red"}},
		}}, want: []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.Search(ctx, "silo_1", "a", 10, tt.filter)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, ids(results))
		})
	}
}

func TestSearchRespectsK(t *testing.T) {
	s := seed(t)
	results, err := s.Search(context.Background(), "silo_1", "a", 1, map[string]any{"year": map[string]any{"$gt": 2000}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestCompileFilter(t *testing.T) {
	f, err := CompileFilter(map[string]any{"lang": "en", "year": 2024})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"lang": "en", "year": "2024"}, f.Where())
	assert.False(t, f.PostFilter())

	f, err = CompileFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f.Where())
	ok, err := f.Match(nil)
	require.NoError(t, err)
	assert.True(t, ok)

	for name, bad := range map[string]map[string]any{
		"unknown operator": {"lang": map[string]any{"$like": "e%"}},
		"or not a list":    {"$or": map[string]any{"lang": "en"}},
		"in not a list":    {"lang": map[string]any{"$in": "en"}},
		"bool ordering":    {"flag": map[string]any{"$gt": true}},
		"top operator":     {"$not": []any{}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := CompileFilter(bad)
			assert.Error(t, err)
		})
	}
}

func TestCombineFilters(t *testing.T) {
	assert.Nil(t, CombineFilters(nil, map[string]any{}))
	silo := map[string]any{"lang": "en"}
	assert.Equal(t, silo, CombineFilters(silo, nil))
	assert.Equal(t,
		map[string]any{"$and": []any{silo, map[string]any{"team": "red"}}},
		CombineFilters(silo, map[string]any{"team": "red"}),
	)
}

func TestDelete(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	require.NoError(t, s.Delete(ctx, "silo_1", "a", "b"))
	require.NoError(t, s.Delete(ctx, "missing", "a"))
	results, err := s.Search(ctx, "silo_1", "a", 10, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c", "d"}, ids(results))
}

func TestSearchFilterReachesLowRankedMatches(t *testing.T) {
	s, err := New("", letterEmbedding)
	require.NoError(t, err)
	ctx := context.Background()

	var docs []Document
	for i := 0; i < 20; i++ {
		docs = append(docs, Document{
			ID:       fmt.Sprintf("apple-%02d", i),
			Content:  strings.Repeat("apples ", i+1),
			Metadata: map[string]string{"year": "2010"},
		})
	}
	docs = append(docs, Document{ID: "recent", Content: "zzz qqq", Metadata: map[string]string{"year": "2024"}})
	require.NoError(t, s.Upsert(ctx, "silo_2", docs...))

	results, err := s.Search(ctx, "silo_2", "apples", 2, map[string]any{"year": map[string]any{"$gt": 2020}})
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, ids(results))

	results, err = s.Search(ctx, "silo_2", "apples", 3, map[string]any{"year": map[string]any{"$lt": 2020}})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	s := seed(t)
	_, err := s.Search(context.Background(), "silo_1", "  ", 3, nil)
	assert.Error(t, err)
}
