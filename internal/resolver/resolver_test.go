package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/metrics"
)

// MockCompleter is a mock implementation of Completer
type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, prompt string) ([]byte, error) {
	args := m.Called(ctx, prompt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func newTestResolver(t *testing.T, strategy Strategy, opts ...Option) *Resolver {
	t.Helper()
	m := metrics.New("test-node", prometheus.NewRegistry())
	return New(strategy, zap.NewNop(), m, opts...)
}

func conflictValues() []ConflictValue {
	return []ConflictValue{
		{Value: []byte("older"), Timestamp: 100, NodeID: "node1"},
		{Value: []byte("newer"), Timestamp: 200, NodeID: "node2"},
	}
}

func TestLastWriteWinsPicksByTimestamp(t *testing.T) {
	r := newTestResolver(t, LastWriteWins)

	// Order of the input slice must not matter.
	resolved, err := r.Resolve(context.Background(), conflictValues())
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), resolved)

	reversed := conflictValues()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	resolved, err = r.Resolve(context.Background(), reversed)
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), resolved)
}

func TestLastWriteWinsTieBrokenByNodeID(t *testing.T) {
	r := newTestResolver(t, LastWriteWins)

	resolved, err := r.Resolve(context.Background(), []ConflictValue{
		{Value: []byte("from-a"), Timestamp: 100, NodeID: "node-a"},
		{Value: []byte("from-b"), Timestamp: 100, NodeID: "node-b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("from-b"), resolved)
}

func TestResolveEmptyValuesFails(t *testing.T) {
	r := newTestResolver(t, LastWriteWins)
	_, err := r.Resolve(context.Background(), nil)
	assert.Error(t, err)
}

func TestMultiValueRegisterReturnsAllValues(t *testing.T) {
	r := newTestResolver(t, MultiValueRegister)

	resolved, err := r.Resolve(context.Background(), conflictValues())
	require.NoError(t, err)

	var decoded [][]byte
	require.NoError(t, json.Unmarshal(resolved, &decoded))
	assert.Equal(t, [][]byte{[]byte("older"), []byte("newer")}, decoded)
}

func TestCustomNumericSum(t *testing.T) {
	r := newTestResolver(t, Custom, WithCustomName("numeric_sum"))

	resolved, err := r.Resolve(context.Background(), []ConflictValue{
		{Value: []byte("5"), Timestamp: 1, NodeID: "node1"},
		{Value: []byte("3"), Timestamp: 2, NodeID: "node2"},
		{Value: []byte("not-a-number"), Timestamp: 3, NodeID: "node3"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("8"), resolved)
}

func TestCustomSetUnion(t *testing.T) {
	r := newTestResolver(t, Custom, WithCustomName("set_union"))

	resolved, err := r.Resolve(context.Background(), []ConflictValue{
		{Value: []byte(`["a","b"]`), Timestamp: 1, NodeID: "node1"},
		{Value: []byte(`["b","c"]`), Timestamp: 2, NodeID: "node2"},
	})
	require.NoError(t, err)

	var items []string
	require.NoError(t, json.Unmarshal(resolved, &items))
	assert.Equal(t, []string{"a", "b", "c"}, items)
}

func TestCustomUnknownNameFallsBackToLastWriteWins(t *testing.T) {
	r := newTestResolver(t, Custom, WithCustomName("no_such_strategy"))

	resolved, err := r.Resolve(context.Background(), conflictValues())
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), resolved)
}

func TestSemanticMergeUsesCompleter(t *testing.T) {
	completer := new(MockCompleter)
	completer.On("Complete", mock.Anything, mock.Anything).
		Return([]byte("merged result"), nil)

	r := newTestResolver(t, SemanticMerge, WithCompleter(completer))

	resolved, err := r.Resolve(context.Background(), conflictValues())
	require.NoError(t, err)
	assert.Equal(t, []byte("merged result"), resolved)
	completer.AssertExpectations(t)
}

func TestSemanticMergeFallsBackOnCompleterError(t *testing.T) {
	completer := new(MockCompleter)
	completer.On("Complete", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("upstream unavailable"))

	r := newTestResolver(t, SemanticMerge, WithCompleter(completer))

	resolved, err := r.Resolve(context.Background(), conflictValues())
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), resolved)

	records := r.Records()
	require.Len(t, records, 1)
	assert.Equal(t, LastWriteWins.String(), records[0].StrategyUsed)
}

func TestSemanticMergeWithoutCompleterFallsBack(t *testing.T) {
	r := newTestResolver(t, SemanticMerge)

	resolved, err := r.Resolve(context.Background(), conflictValues())
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), resolved)
}

func TestResolveAppendsConflictRecord(t *testing.T) {
	r := newTestResolver(t, LastWriteWins)

	_, err := r.Resolve(context.Background(), conflictValues())
	require.NoError(t, err)

	records := r.Records()
	require.Len(t, records, 1)
	assert.Equal(t, [][]byte{[]byte("older"), []byte("newer")}, records[0].ConflictingValues)
	assert.Equal(t, []byte("newer"), records[0].Resolution)
	assert.Equal(t, "last_write_wins", records[0].StrategyUsed)
}

func TestConflictLogDropsOldestHalfWhenFull(t *testing.T) {
	r := newTestResolver(t, LastWriteWins)

	for i := 0; i < maxConflictLog+1; i++ {
		_, err := r.Resolve(context.Background(), conflictValues())
		require.NoError(t, err)
	}

	records := r.Records()
	assert.Equal(t, maxConflictLog/2+1, len(records))
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name     string
		expected Strategy
		wantErr  bool
	}{
		{"last_write_wins", LastWriteWins, false},
		{"", LastWriteWins, false},
		{"multi_value_register", MultiValueRegister, false},
		{"semantic_merge", SemanticMerge, false},
		{"custom", Custom, false},
		{"bogus", LastWriteWins, true},
	}

	for _, tt := range tests {
		s, err := ParseStrategy(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.expected, s, tt.name)
	}
}
