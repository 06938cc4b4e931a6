package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegion(t *testing.T) {
	tests := []struct {
		name    string
		start   []int
		stop    []int
		wantErr error
	}{
		{
			name:  "valid 2d region",
			start: []int{0, 10},
			stop:  []int{5, 20},
		},
		{
			name:  "zero volume region",
			start: []int{5, 5},
			stop:  []int{5, 5},
		},
		{
			name:    "rank mismatch",
			start:   []int{0, 0},
			stop:    []int{5},
			wantErr: ErrRegionInvalid,
		},
		{
			name:    "negative start",
			start:   []int{-1, 0},
			stop:    []int{5, 5},
			wantErr: ErrRegionInvalid,
		},
		{
			name:    "stop before start",
			start:   []int{5, 5},
			stop:    []int{4, 10},
			wantErr: ErrRegionInvalid,
		},
		{
			name:    "empty rank",
			start:   []int{},
			stop:    []int{},
			wantErr: ErrRegionInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegion(tt.start, tt.stop)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.start, r.Start())
			assert.Equal(t, tt.stop, r.Stop())
		})
	}
}

func TestRegion_Immutability(t *testing.T) {
	start := []int{1, 2}
	stop := []int{3, 4}
	r := MustRegion(start, stop)

	// Mutating the constructor arguments must not affect the region.
	start[0] = 99
	stop[1] = 99
	assert.Equal(t, []int{1, 2}, r.Start())
	assert.Equal(t, []int{3, 4}, r.Stop())

	// Mutating accessor results must not affect the region either.
	r.Start()[0] = 42
	assert.Equal(t, []int{1, 2}, r.Start())
}

func TestRegion_SizeAndShape(t *testing.T) {
	r := MustRegion([]int{10, 20, 30}, []int{12, 25, 30})
	assert.Equal(t, []int{2, 5, 0}, r.Shape())
	assert.Equal(t, int64(0), r.Size())
	assert.True(t, r.Empty())

	r = MustRegion([]int{0, 0}, []int{4, 5})
	assert.Equal(t, int64(20), r.Size())
	assert.False(t, r.Empty())
}

func TestRegion_Intersect(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Region
		want  Region
		empty bool
	}{
		{
			name: "partial overlap",
			a:    MustRegion([]int{0, 0}, []int{10, 10}),
			b:    MustRegion([]int{5, 5}, []int{15, 15}),
			want: MustRegion([]int{5, 5}, []int{10, 10}),
		},
		{
			name:  "disjoint clamps to zero volume",
			a:     MustRegion([]int{0, 0}, []int{5, 5}),
			b:     MustRegion([]int{10, 10}, []int{20, 20}),
			empty: true,
		},
		{
			name: "contained",
			a:    MustRegion([]int{0, 0}, []int{100, 100}),
			b:    MustRegion([]int{10, 10}, []int{20, 20}),
			want: MustRegion([]int{10, 10}, []int{20, 20}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Intersect(tt.b)
			// Intersection is commutative.
			assert.Equal(t, got.Empty(), tt.b.Intersect(tt.a).Empty())
			if tt.empty {
				assert.True(t, got.Empty())
				return
			}
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.True(t, tt.b.Intersect(tt.a).Equal(tt.want))
		})
	}
}

func TestRegion_Contains(t *testing.T) {
	outer := MustRegion([]int{0, 0}, []int{10, 10})
	assert.True(t, outer.Contains(MustRegion([]int{2, 3}, []int{8, 9})))
	assert.True(t, outer.Contains(outer))
	assert.False(t, outer.Contains(MustRegion([]int{5, 5}, []int{11, 10})))

	// Empty regions are contained in anything of the same rank.
	assert.True(t, outer.Contains(MustRegion([]int{3, 3}, []int{3, 3})))
}

func TestRegion_Within(t *testing.T) {
	outer := MustRegion([]int{100, 200}, []int{300, 400})
	inner := MustRegion([]int{150, 250}, []int{200, 300})
	local := inner.Within(outer)
	assert.Equal(t, []int{50, 50}, local.Start())
	assert.Equal(t, []int{100, 100}, local.Stop())
}

func TestRegion_Blocks(t *testing.T) {
	tests := []struct {
		name       string
		region     Region
		blockShape []int
		want       []Region
		wantErr    error
	}{
		{
			name:       "exact tiling",
			region:     MustRegion([]int{0, 0}, []int{100, 100}),
			blockShape: []int{50, 50},
			want: []Region{
				MustRegion([]int{0, 0}, []int{50, 50}),
				MustRegion([]int{0, 50}, []int{50, 100}),
				MustRegion([]int{50, 0}, []int{100, 50}),
				MustRegion([]int{50, 50}, []int{100, 100}),
			},
		},
		{
			name:       "unaligned region clips to grid cells",
			region:     MustRegion([]int{30, 30}, []int{60, 60}),
			blockShape: []int{50, 50},
			want: []Region{
				MustRegion([]int{30, 30}, []int{50, 50}),
				MustRegion([]int{30, 50}, []int{50, 60}),
				MustRegion([]int{50, 30}, []int{60, 50}),
				MustRegion([]int{50, 50}, []int{60, 60}),
			},
		},
		{
			name:       "single block",
			region:     MustRegion([]int{10, 10}, []int{20, 20}),
			blockShape: []int{50, 50},
			want:       []Region{MustRegion([]int{10, 10}, []int{20, 20})},
		},
		{
			name:       "empty region yields no blocks",
			region:     MustRegion([]int{10, 10}, []int{10, 20}),
			blockShape: []int{50, 50},
			want:       nil,
		},
		{
			name:       "rank mismatch",
			region:     MustRegion([]int{0}, []int{10}),
			blockShape: []int{5, 5},
			wantErr:    ErrInvalidBlockShape,
		},
		{
			name:       "non-positive block extent",
			region:     MustRegion([]int{0, 0}, []int{10, 10}),
			blockShape: []int{5, 0},
			wantErr:    ErrInvalidBlockShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.region.Blocks(tt.blockShape)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.True(t, got[i].Equal(tt.want[i]), "block %d: got %s want %s", i, got[i], tt.want[i])
			}
		})
	}
}

func TestRegion_BlocksCoverDisjointly(t *testing.T) {
	region := MustRegion([]int{7, 13}, []int{93, 87})
	blocks, err := region.Blocks([]int{32, 32})
	require.NoError(t, err)

	var total int64
	for i, b := range blocks {
		assert.True(t, region.Contains(b), "block %s escapes region", b)
		total += b.Size()
		for j := i + 1; j < len(blocks); j++ {
			assert.True(t, b.Intersect(blocks[j]).Empty(), "blocks %s and %s overlap", b, blocks[j])
		}
	}
	assert.Equal(t, region.Size(), total, "blocks must cover the region exactly")
}

func TestRegion_BlockSeq(t *testing.T) {
	region := MustRegion([]int{7, 13}, []int{93, 87})
	shape := []int{32, 32}

	seq, err := region.BlockSeq(shape)
	require.NoError(t, err)
	want, err := region.Blocks(shape)
	require.NoError(t, err)

	// The lazy walk yields the same tiles in the same order.
	var got []Region
	for b := range seq {
		got = append(got, b)
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, got[i].Equal(want[i]), "tile %d: got %s want %s", i, got[i], want[i])
	}

	// Breaking out early stops the walk, and ranging again restarts it
	// from the first tile.
	var first Region
	n := 0
	for b := range seq {
		if n == 0 {
			first = b
		}
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
	for b := range seq {
		assert.True(t, b.Equal(first), "restarted walk begins at %s, not %s", b, first)
		break
	}

	_, err = region.BlockSeq([]int{32})
	assert.ErrorIs(t, err, ErrInvalidBlockShape)
}

func TestRegion_NumBlocks(t *testing.T) {
	tests := []struct {
		name       string
		region     Region
		blockShape []int
		want       int64
		wantErr    error
	}{
		{
			name:       "exact tiling",
			region:     MustRegion([]int{0, 0}, []int{100, 100}),
			blockShape: []int{50, 50},
			want:       4,
		},
		{
			name:       "unaligned region straddles grid lines",
			region:     MustRegion([]int{7, 13}, []int{93, 87}),
			blockShape: []int{32, 32},
			want:       9,
		},
		{
			name:       "empty region",
			region:     MustRegion([]int{10, 10}, []int{10, 20}),
			blockShape: []int{50, 50},
			want:       0,
		},
		{
			name:       "non-positive block extent",
			region:     MustRegion([]int{0, 0}, []int{10, 10}),
			blockShape: []int{0, 5},
			wantErr:    ErrInvalidBlockShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.region.NumBlocks(tt.blockShape)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// The arithmetic count agrees with the actual walk.
			blocks, err := tt.region.Blocks(tt.blockShape)
			require.NoError(t, err)
			assert.EqualValues(t, len(blocks), got)
		})
	}
}

func TestRegion_BlockAligned(t *testing.T) {
	bounds := FullRegion([]int{100, 100})

	// A grid cell in the interior.
	piece := MustRegion([]int{30, 55}, []int{50, 60})
	aligned := piece.BlockAligned([]int{50, 50}, bounds)
	assert.True(t, aligned.Equal(MustRegion([]int{0, 50}, []int{50, 100})), "got %s", aligned)

	// Edge cells clip to the volume.
	piece = MustRegion([]int{90, 90}, []int{100, 100})
	aligned = piece.BlockAligned([]int{40, 40}, bounds)
	assert.True(t, aligned.Equal(MustRegion([]int{80, 80}, []int{100, 100})), "got %s", aligned)
}

func TestRegion_String(t *testing.T) {
	r := MustRegion([]int{1, 2, 3}, []int{4, 5, 6})
	assert.Equal(t, "[1,2,3]-[4,5,6]", r.String())

	// Identical regions share one canonical form; distinct regions must
	// not collide, since the string doubles as a cache key.
	assert.Equal(t, r.String(), MustRegion([]int{1, 2, 3}, []int{4, 5, 6}).String())
	assert.NotEqual(t, r.String(), MustRegion([]int{1, 2, 3}, []int{4, 5, 7}).String())
}
