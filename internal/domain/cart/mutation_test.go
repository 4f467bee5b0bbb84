package cart

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/catalog"
)

func variant(id int64, price string, available int) *catalog.Item {
	return &catalog.Item{
		Ref:       catalog.Ref{Kind: catalog.KindVariant, ID: id},
		ProductID: 100 + id,
		VariantID: id,
		Price:     decimal.RequireFromString(price),
		Available: available,
	}
}

func TestApply_AddClampsToStock(t *testing.T) {
	item := variant(1, "10.00", 5)

	lines, out, err := Apply(nil, Mutation{Op: OpAdd, Ref: item.Ref, Quantity: 3}, item)
	require.NoError(t, err)
	assert.False(t, out.StockLimited)
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Quantity)

	lines, out, err = Apply(lines, Mutation{Op: OpAdd, Ref: item.Ref, Quantity: 4}, item)
	require.NoError(t, err)
	require.Len(t, lines, 1, "repeated add must update in place")
	assert.Equal(t, 5, lines[0].Quantity)
	assert.True(t, out.StockLimited)
	assert.Equal(t, 5, out.Limit)
	require.NotNil(t, out.Line)
	assert.Equal(t, 5, out.Line.Quantity)
}

func TestApply_OutOfStock(t *testing.T) {
	item := variant(1, "10.00", 0)

	_, _, err := Apply(nil, Mutation{Op: OpAdd, Ref: item.Ref, Quantity: 1}, item)

	var oos *OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, item.Ref, oos.Ref)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	item := variant(1, "10.00", 10)
	lines := []Line{{Kind: catalog.KindVariant, RefID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("9.00")}}

	next, _, err := Apply(lines, Mutation{Op: OpAdd, Ref: item.Ref, Quantity: 1}, item)
	require.NoError(t, err)

	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, 3, next[0].Quantity)
}

func TestApply_Table(t *testing.T) {
	item := variant(1, "12.50", 4)
	existing := []Line{{Kind: catalog.KindVariant, RefID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")}}

	tests := []struct {
		name     string
		lines    []Line
		mutation Mutation
		wantQty  int // 0 means the line is gone
		wantErr  error
	}{
		{name: "set floors at one", lines: existing, mutation: Mutation{Op: OpSet, Ref: item.Ref, Quantity: 0}, wantQty: 1},
		{name: "set clamps", lines: existing, mutation: Mutation{Op: OpSet, Ref: item.Ref, Quantity: 9}, wantQty: 4},
		{name: "decrement", lines: existing, mutation: Mutation{Op: OpDecrement, Ref: item.Ref}, wantQty: 1},
		{
			name:     "decrement removes last unit",
			lines:    []Line{{Kind: catalog.KindVariant, RefID: 1, Quantity: 1}},
			mutation: Mutation{Op: OpDecrement, Ref: item.Ref},
		},
		{name: "decrement missing", mutation: Mutation{Op: OpDecrement, Ref: item.Ref}, wantErr: ErrLineNotFound},
		{name: "remove", lines: existing, mutation: Mutation{Op: OpRemove, Ref: item.Ref}},
		{name: "remove missing is a no-op", mutation: Mutation{Op: OpRemove, Ref: item.Ref}},
		{name: "add zero", mutation: Mutation{Op: OpAdd, Ref: item.Ref}, wantErr: ErrInvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, _, err := Apply(tt.lines, tt.mutation, item)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantQty == 0 {
				assert.Empty(t, lines)
				return
			}
			require.Len(t, lines, 1)
			assert.Equal(t, tt.wantQty, lines[0].Quantity)
			assert.True(t, item.Price.Equal(lines[0].UnitPrice), "price is re-snapshotted")
		})
	}
}

func TestMerge(t *testing.T) {
	a := variant(1, "10.00", 5)
	b := variant(2, "3.00", 10)
	gone := variant(3, "1.00", 0)
	items := map[catalog.Ref]catalog.Item{a.Ref: *a, b.Ref: *b, gone.Ref: *gone}

	account := []Line{{Kind: catalog.KindVariant, RefID: 1, Quantity: 3, UnitPrice: decimal.RequireFromString("9.00")}}
	anonymous := []Line{
		{Kind: catalog.KindVariant, RefID: 1, Quantity: 4, UnitPrice: decimal.RequireFromString("9.50")},
		{Kind: catalog.KindVariant, RefID: 2, Quantity: 2, UnitPrice: decimal.RequireFromString("3.00")},
		{Kind: catalog.KindVariant, RefID: 3, Quantity: 1, UnitPrice: decimal.RequireFromString("1.00")},
	}

	merged, adjustments := Merge(account, anonymous, items)

	require.Len(t, merged, 2)
	assert.Equal(t, 5, merged[0].Quantity)
	assert.True(t, a.Price.Equal(merged[0].UnitPrice))
	assert.Equal(t, 2, merged[1].Quantity)

	assert.ElementsMatch(t, []Adjustment{
		{Ref: a.Ref, Requested: 7, Kept: 5},
		{Ref: gone.Ref, Requested: 1},
	}, adjustments)
}

func TestSummarize(t *testing.T) {
	lines := []Line{
		{Kind: catalog.KindVariant, RefID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("10.10")},
		{Kind: catalog.KindProduct, RefID: 7, Quantity: 3, UnitPrice: decimal.RequireFromString("0.30")},
	}

	s := Summarize(lines)

	assert.Equal(t, 2, s.LineCount)
	assert.Equal(t, 5, s.TotalQuantity)
	assert.Equal(t, "21.1", s.TotalAmount.String())
}
