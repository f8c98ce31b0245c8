package quota

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorize_DurationBounds(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		wantErr  error
	}{
		{"2s too short", 2, ErrDurationTooShort},
		{"2.999s too short", 2.999, ErrDurationTooShort},
		{"3s minimum", 3, nil},
		{"3.5s", 3.5, nil},
		{"59s", 59, nil},
		{"60s maximum", 60, nil},
		{"60.1s too long", 60.1, ErrDurationTooLong},
		{"61s too long", 61, ErrDurationTooLong},
		{"65s too long", 65, ErrDurationTooLong},
		{"zero", 0, ErrDurationTooShort},
		{"negative", -5, ErrDurationTooShort},
		{"NaN", math.NaN(), ErrDurationTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Authorize(TierPro, 0, tt.duration)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, d)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, d.Minutes)
		})
	}
}

func TestAuthorize_QuotaBoundary(t *testing.T) {
	tests := []struct {
		name    string
		tier    Tier
		used    int
		dur     float64
		wantErr error
	}{
		{"free exact fit", TierFree, 4, 55, nil},
		{"free already full", TierFree, 5, 3, ErrQuotaExceeded},
		{"free one over", TierFree, 5, 60, ErrQuotaExceeded},
		{"free empty", TierFree, 0, 60, nil},
		{"creator last minute", TierCreator, 119, 60, nil},
		{"creator full", TierCreator, 120, 10, ErrQuotaExceeded},
		{"pro last minute", TierPro, 299, 3, nil},
		{"pro over", TierPro, 300, 3, ErrQuotaExceeded},
		{"unknown tier uses free", Tier("GOLD"), 5, 3, ErrQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Authorize(tt.tier, tt.used, tt.dur)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestAuthorize_LengthCheckedBeforeQuota(t *testing.T) {
	_, err := Authorize(TierFree, 5, 65)
	assert.ErrorIs(t, err, ErrDurationTooLong)
}

func TestAuthorize_PlanDictatesOutput(t *testing.T) {
	free, err := Authorize(TierFree, 0, 15)
	require.NoError(t, err)
	assert.True(t, free.Watermark)
	assert.Equal(t, Resolution720p, free.Resolution)

	creator, err := Authorize(TierCreator, 0, 15)
	require.NoError(t, err)
	assert.False(t, creator.Watermark)
	assert.Equal(t, Resolution1080p, creator.Resolution)

	pro, err := Authorize(TierPro, 0, 15)
	require.NoError(t, err)
	assert.False(t, pro.Watermark)
	assert.Equal(t, Resolution4K, pro.Resolution)
}

func TestAuthorize_Deterministic(t *testing.T) {
	a, errA := Authorize(TierCreator, 10, 42.5)
	b, errB := Authorize(TierCreator, 10, 42.5)
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, a, b)
}

func TestMinutesFor(t *testing.T) {
	assert.Equal(t, 1, MinutesFor(3))
	assert.Equal(t, 1, MinutesFor(15))
	assert.Equal(t, 1, MinutesFor(55))
	assert.Equal(t, 1, MinutesFor(60))
	assert.Equal(t, 2, MinutesFor(60.1))
}

func TestRemainingAndPercent(t *testing.T) {
	assert.Equal(t, 1, RemainingMinutes(TierFree, 4))
	assert.Equal(t, 0, RemainingMinutes(TierFree, 9))
	assert.InDelta(t, 80.0, PercentUsed(TierFree, 4), 1e-9)
	assert.InDelta(t, 100.0, PercentUsed(TierFree, 7), 1e-9)
}

func TestParseTierAndDimensions(t *testing.T) {
	assert.Equal(t, TierPro, ParseTier(" pro "))
	assert.Equal(t, TierCreator, ParseTier("CREATOR"))
	assert.Equal(t, TierFree, ParseTier(""))

	w, h := Resolution1080p.Dimensions()
	assert.Equal(t, [2]int{1080, 1920}, [2]int{w, h})
	w, h = Resolution("8K").Dimensions()
	assert.Equal(t, [2]int{720, 1280}, [2]int{w, h})
}
