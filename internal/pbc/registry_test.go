package pbc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/pkg/logger"
)

func newRegistry() *Registry {
	r := NewRegistry(logger.Nop(), DefaultDefinitions())
	RegisterDefaults(r)
	return r
}

func TestInvokeValidatesContract(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown step", func(t *testing.T) {
		_, err := newRegistry().Invoke(ctx, "NOPE", Context{})
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("defined but not implemented", func(t *testing.T) {
		r := NewRegistry(logger.Nop(), []Definition{{Name: "EMPTY"}})
		_, err := r.Invoke(ctx, "EMPTY", Context{})
		assert.True(t, contracts.IsConfigurationError(err))
		assert.Equal(t, map[string]bool{"EMPTY": false}, r.Names())
	})

	t.Run("missing input", func(t *testing.T) {
		_, err := newRegistry().Invoke(ctx, StepPlaceFlexOrders, Context{KeyFlexOffers: []contracts.PtuFlexOffer{}})
		require.Error(t, err)
		assert.True(t, contracts.IsConfigurationError(err))
		assert.Contains(t, err.Error(), KeyPeriod)
	})

	t.Run("missing output", func(t *testing.T) {
		r := newRegistry()
		r.Register(StepPlaceFlexOrders, func(context.Context, Context) (Context, error) {
			return Context{"SOMETHING_ELSE": true}, nil
		})
		_, err := r.Invoke(ctx, StepPlaceFlexOrders, Context{KeyPeriod: 1, KeyConnectionGroup: "g", KeyFlexOffers: nil})
		require.Error(t, err)
		assert.True(t, contracts.IsConfigurationError(err))
		assert.Contains(t, err.Error(), KeyAcceptedFlexOfferSequences)
	})

	t.Run("step error passes through", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewRegistry(logger.Nop(), []Definition{{Name: "FAILS"}})
		r.Register("FAILS", func(context.Context, Context) (Context, error) { return nil, boom })
		_, err := r.Invoke(ctx, "FAILS", Context{})
		assert.ErrorIs(t, err, boom)
		assert.False(t, contracts.IsConfigurationError(err))
	})

	t.Run("input is not mutated", func(t *testing.T) {
		r := NewRegistry(logger.Nop(), []Definition{{Name: "MUTATES", RequiredOutputs: []string{"X"}}})
		r.Register("MUTATES", func(_ context.Context, in Context) (Context, error) {
			in["X"] = 1
			return in, nil
		})
		in := Context{}
		out, err := r.Invoke(ctx, "MUTATES", in)
		require.NoError(t, err)
		assert.Equal(t, 1, out["X"])
		assert.NotContains(t, in, "X")
	})
}

func TestGet(t *testing.T) {
	c := Context{"N": 3}

	n, err := Get[int](c, "N")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = Get[string](c, "N")
	assert.True(t, contracts.IsConfigurationError(err))

	_, err = Get[int](c, "MISSING")
	assert.True(t, contracts.IsConfigurationError(err))
}

func TestParseDefinitions(t *testing.T) {
	good := []byte(`
steps:
  - name: AGR_REOPTIMIZE_PORTFOLIO
    required_inputs: [PERIOD, CURRENT_PORTFOLIO]
    required_outputs: [UPDATED_PORTFOLIO]
  - name: BRP_PLACE_FLEX_ORDERS
    description: order everything
    required_inputs: [FLEX_OFFERS]
    required_outputs: [ACCEPTED_FLEX_OFFER_SEQUENCES]
`)
	defs, err := ParseDefinitions(good)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, []string{"UPDATED_PORTFOLIO"}, defs[0].RequiredOutputs)

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "steps:\n  - name: X\n    required_output: [Y]\n"},
		{"no steps", "steps: []\n"},
		{"lowercase name", "steps:\n  - name: lower\n"},
		{"duplicate", "steps:\n  - name: X\n  - name: X\n"},
		{"empty key", "steps:\n  - name: X\n    required_inputs: ['']\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(tt.yaml))
			assert.True(t, contracts.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestLoadDefinitionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - name: DSO_INITIATE_SETTLEMENT\n    required_outputs: [SETTLEMENT_DTO]\n"), 0o600))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	assert.Equal(t, StepInitiateSettlement, defs[0].Name)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestHashIsStable(t *testing.T) {
	a, err := Hash(DefaultDefinitions())
	require.NoError(t, err)
	b, err := Hash(DefaultDefinitions())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
