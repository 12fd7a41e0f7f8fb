package export

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func a4(t *testing.T, margin float64) PageGeometry {
	t.Helper()
	g, err := ResolveGeometry(FormatA4, Portrait, UniformMargins(margin))
	require.NoError(t, err)
	return g
}

func TestSplitA4Example(t *testing.T) {
	g := a4(t, 10)
	require.InDelta(t, 190, g.AvailableWidth(), 1e-9)
	require.InDelta(t, 277, g.AvailableHeight(), 1e-9)

	slices, err := Split(800, 4000, g)
	require.NoError(t, err)
	require.Len(t, slices, 4)

	pxPerPage := 277.0 * 4000 / 950
	assert.Equal(t, 0, slices[0].SourceYPx)
	assert.Equal(t, int(math.Floor(pxPerPage)), slices[0].SourceHeightPx)
	assert.Equal(t, int(math.Floor(3*pxPerPage)), slices[3].SourceYPx)
	assert.Equal(t, 502, slices[3].SourceHeightPx)
	assert.InDelta(t, 277, slices[0].DestHeight, 0.5)
	assert.InDelta(t, 502*950.0/4000, slices[3].DestHeight, 1e-9)
}

func TestSplitSinglePageWhenImageFits(t *testing.T) {
	slices, err := Split(800, 600, a4(t, 10))
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, PageSlice{SourceYPx: 0, SourceHeightPx: 600, DestHeight: 190 * 600.0 / 800}, slices[0])
}

func TestSplitBoundaryEquality(t *testing.T) {
	g := a4(t, 10)

	// 190x277 px scales to exactly the 190x277 mm printable area.
	slices, err := Split(190, 277, g)
	require.NoError(t, err)
	assert.Len(t, slices, 1)

	slices, err = Split(190, 554, g)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, 277, slices[0].SourceHeightPx)
	assert.Equal(t, 277, slices[1].SourceHeightPx)
}

func TestSplitTilesExactly(t *testing.T) {
	geometries := map[string]PageGeometry{}
	for _, format := range []Format{FormatA4, FormatLetter} {
		for _, orientation := range []Orientation{Portrait, Landscape} {
			for _, margin := range []float64{0, 10, 25.4} {
				g, err := ResolveGeometry(format, orientation, UniformMargins(margin))
				require.NoError(t, err)
				geometries[fmt.Sprintf("%s/%s/%v", format, orientation, margin)] = g
			}
		}
	}

	for name, g := range geometries {
		for _, width := range []int{100, 799, 800, 1280, 2560} {
			for height := 1; height <= 12000; height += 173 {
				slices, err := Split(width, height, g)
				require.NoError(t, err, "%s %dx%d", name, width, height)

				displayHeight := g.AvailableWidth() * float64(height) / float64(width)
				want := 1
				if displayHeight > g.AvailableHeight() {
					want = int(math.Ceil(displayHeight/g.AvailableHeight() - pageEpsilon))
				}
				require.Len(t, slices, want, "%s %dx%d", name, width, height)

				next, total := 0, 0
				for i, s := range slices {
					require.Equal(t, next, s.SourceYPx, "%s %dx%d slice %d", name, width, height, i)
					require.Positive(t, s.SourceHeightPx)
					require.Positive(t, s.DestHeight)
					require.LessOrEqual(t, s.DestHeight, g.AvailableHeight()+1e-6)
					next += s.SourceHeightPx
					total += s.SourceHeightPx
				}
				require.Equal(t, height, total)
			}
		}
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	g := a4(t, 12)
	first, err := Split(1280, 9876, g)
	require.NoError(t, err)
	second, err := Split(1280, 9876, g)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSplitRejectsBadGeometry(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		g      PageGeometry
	}{
		{"zero width image", 0, 100, PageGeometry{PageWidth: 210, PageHeight: 297}},
		{"zero height image", 100, 0, PageGeometry{PageWidth: 210, PageHeight: 297}},
		{"margins consume width", 100, 100, PageGeometry{PageWidth: 210, PageHeight: 297, MarginLeft: 105, MarginRight: 105}},
		{"margins consume height", 100, 100, PageGeometry{PageWidth: 210, PageHeight: 297, MarginTop: 150, MarginBottom: 147}},
		{"negative margin", 100, 100, PageGeometry{PageWidth: 210, PageHeight: 297, MarginTop: -1}},
		{"not a number", 100, 100, PageGeometry{PageWidth: math.NaN(), PageHeight: 297}},
		{"less than a pixel per page", 1, 100000, PageGeometry{PageWidth: 210, PageHeight: 0.001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slices, err := Split(tt.width, tt.height, tt.g)
			assert.Nil(t, slices)
			var geometryErr *GeometryError
			require.True(t, errors.As(err, &geometryErr), "got %v", err)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestResolveGeometry(t *testing.T) {
	g, err := ResolveGeometry(FormatLetter, Landscape, UniformMargins(5))
	require.NoError(t, err)
	assert.InDelta(t, 279.4, g.PageWidth, 1e-9)
	assert.InDelta(t, 215.9, g.PageHeight, 1e-9)

	g, err = ResolveGeometry("a4", "", Margins{})
	require.NoError(t, err)
	assert.Equal(t, 210.0, g.PageWidth)

	_, err = ResolveGeometry("A3", Portrait, Margins{})
	assert.Error(t, err)
	_, err = ResolveGeometry(FormatA4, "diagonal", Margins{})
	assert.Error(t, err)
	_, err = ResolveGeometry(FormatA4, Portrait, UniformMargins(150))
	assert.Error(t, err)
}
