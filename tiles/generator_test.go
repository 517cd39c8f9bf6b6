package tiles

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubQuerier struct {
	data    []byte
	err     error
	queries []string
	args    [][]any
}

func (s *stubQuerier) QueryBlob(_ context.Context, query string, args ...any) ([]byte, error) {
	s.queries = append(s.queries, query)
	s.args = append(s.args, args)
	return s.data, s.err
}

func TestGeneratorReturnsTile(t *testing.T) {
	store := &stubQuerier{data: []byte{0x1a, 0x00}}
	g := NewGenerator(store, GeneratorOptions{})

	data, err := g.Generate(context.Background(), roadsLayer(), TileAddress{1, 0, 0}, TileFilter{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1a, 0x00}, data)
	require.Len(t, store.queries, 1)
	assert.Contains(t, store.queries[0], "LIMIT 15000")
	assert.Contains(t, store.queries[0], "4096, 256, true")
}

func TestGeneratorEmpty(t *testing.T) {
	g := NewGenerator(&stubQuerier{}, GeneratorOptions{})
	data, err := g.Generate(context.Background(), roadsLayer(), TileAddress{1, 0, 0}, TileFilter{})
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGeneratorSameRequestSameQuery(t *testing.T) {
	store := &stubQuerier{}
	g := NewGenerator(store, GeneratorOptions{QueryOptions: QueryOptions{Extent: 4096, Buffer: 64, MaxFeatures: 100}})
	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), roadsLayer(), TileAddress{5, 3, 9}, TileFilter{Limit: 20})
		require.NoError(t, err)
	}
	assert.Equal(t, store.queries[0], store.queries[1])
	assert.Equal(t, store.args[0], store.args[1])
}

func TestGeneratorTimeout(t *testing.T) {
	store := &stubQuerier{err: fmt.Errorf("%w after 30s: interrupted", ErrTimeout)}
	g := NewGenerator(store, GeneratorOptions{})
	_, err := g.Generate(context.Background(), roadsLayer(), TileAddress{1, 0, 0}, TileFilter{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrGenerationFailed)
}

func TestGeneratorFailure(t *testing.T) {
	store := &stubQuerier{err: errors.New("Binder Error: column not found")}
	g := NewGenerator(store, GeneratorOptions{})
	_, err := g.Generate(context.Background(), roadsLayer(), TileAddress{2, 1, 3}, TileFilter{})
	assert.ErrorIs(t, err, ErrGenerationFailed)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "public/roads", genErr.Layer)
	assert.Equal(t, TileAddress{2, 1, 3}, genErr.Address)
	assert.ErrorContains(t, err, "column not found")
}

func TestGeneratorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGenerator(&stubQuerier{err: errors.New("interrupted")}, GeneratorOptions{})
	_, err := g.Generate(ctx, roadsLayer(), TileAddress{1, 0, 0}, TileFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeneratorInvalidFilter(t *testing.T) {
	store := &stubQuerier{}
	g := NewGenerator(store, GeneratorOptions{Translator: CQL2JSON{}})
	_, err := g.Generate(context.Background(), roadsLayer(), TileAddress{1, 0, 0}, TileFilter{CQL: `{"op": "=", "args": [{"property": "nope"}, 1]}`})
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.Empty(t, store.queries)
}
