package hint

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasew/memstate"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    Hint
		wantErr bool
	}{
		{name: "empty", values: nil, want: Hint{}},
		{
			name:   "priority and weight",
			values: []string{"priority=high, weight=4"},
			want:   Hint{Priority: memstate.High, HasPriority: true, Weight: 4, HasWeight: true},
		},
		{
			name:   "quoted priority",
			values: []string{`priority="low"`},
			want:   Hint{Priority: memstate.Low, HasPriority: true},
		},
		{
			name:   "split over several fields",
			values: []string{"priority=medium", "weight=0"},
			want:   Hint{Priority: memstate.Medium, HasPriority: true, HasWeight: true},
		},
		{name: "skip", values: []string{"skip"}, want: Hint{Skip: true}},
		{name: "unknown keys ignored", values: []string{"ttl=30, priority=low"}, want: Hint{Priority: memstate.Low, HasPriority: true}},
		{name: "unknown priority", values: []string{"priority=urgent"}, wantErr: true},
		{name: "negative weight", values: []string{"weight=-1"}, wantErr: true},
		{name: "decimal weight", values: []string{"weight=1.5"}, wantErr: true},
		{name: "malformed", values: []string{"priority=="}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.values)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	h := Hint{Priority: memstate.High, HasPriority: true, Weight: 4, HasWeight: true}
	s, err := h.Format()
	require.NoError(t, err)
	assert.Equal(t, "priority=high, weight=4", s)

	header := http.Header{}
	header.Set(Header, s)
	back, err := FromHeader(header)
	require.NoError(t, err)
	assert.Equal(t, h, back)

	empty, err := Hint{}.Format()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOptions(t *testing.T) {
	opts := Hint{Priority: memstate.Low, HasPriority: true}.Options(memstate.WithPriority(memstate.High), memstate.WithSize(3))
	require.Len(t, opts, 3)

	s, err := memstate.New[string](memstate.Options{MaxEntries: 10, TTL: 1e9})
	require.NoError(t, err)
	defer s.Shutdown()

	require.NoError(t, s.Set("k", "v", opts...))
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, memstate.Low, snap[0].Priority)
	assert.Equal(t, int64(3), snap[0].Size)
}
