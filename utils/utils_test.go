package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersion(t *testing.T) {
	tests := []struct {
		name    string
		newer   string
		current string
		want    bool
		wantErr bool
	}{
		{"newer patch", "1.0.1", "1.0.0", true, false},
		{"newer minor", "3.10.0", "3.9.9", true, false},
		{"equal", "2.4.5", "2.4.5", false, false},
		{"older", "1.9.9", "2.0.0", false, false},
		{"two segment vs three", "4.1", "4.0.9", true, false},
		{"garbage new", "abc", "1.0.0", false, true},
		{"garbage current", "1.0.0", "???", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompareVersion(tt.newer, tt.current)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSekaiServerRegion(t *testing.T) {
	for _, valid := range []string{"jp", "en", "tw", "kr", "cn"} {
		region, err := ParseSekaiServerRegion(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(region))
	}

	_, err := ParseSekaiServerRegion("us")
	require.Error(t, err)
	assert.Equal(t, "Invalid server region: us", err.Error())
	assert.True(t, IsErrorKind(err, ErrKindInvalidServerRegion))
}

func TestRegionIsCP(t *testing.T) {
	assert.True(t, HarukiSekaiServerRegionJP.IsCP())
	assert.True(t, HarukiSekaiServerRegionEN.IsCP())
	assert.False(t, HarukiSekaiServerRegionTW.IsCP())
	assert.False(t, HarukiSekaiServerRegionKR.IsCP())
	assert.False(t, HarukiSekaiServerRegionCN.IsCP())
}
