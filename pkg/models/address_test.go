package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0xDE0B295669A9FD93D5F28D9EC85E40F4CB697BAE", want: "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae"},
		{in: "  0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae\n", want: "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae"},
		{in: "0Xde0b295669a9fd93d5f28d9ec85e40f4cb697bae", want: "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae"},
		{in: "de0b295669a9fd93d5f28d9ec85e40f4cb697bae", wantErr: true},
		{in: "0xde0b295669a9fd93d5f28d9ec85e40f4cb697ba", wantErr: true},
		{in: "0xzz0b295669a9fd93d5f28d9ec85e40f4cb697bae", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlertFilterMatches(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Alert{Address: "0xa", Type: DetectorTaint, CreatedAt: at}

	assert.True(t, AlertFilter{}.Matches(a))
	assert.True(t, AlertFilter{Address: "0xa", Type: DetectorTaint, Since: at}.Matches(a))
	assert.False(t, AlertFilter{Address: "0xb"}.Matches(a))
	assert.False(t, AlertFilter{Type: DetectorMixer}.Matches(a))
	assert.False(t, AlertFilter{Since: at.Add(time.Second)}.Matches(a))
	assert.Equal(t, "TAINT:0xa:1704067200000", AlertID(DetectorTaint, "0xa", at))
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
	assert.True(t, JobMonitor.Valid())
	assert.False(t, JobType("sweeper").Valid())
}
