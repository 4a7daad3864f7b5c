package guid

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		prefix Prefix
	}{
		{name: "tenant", prefix: PrefixTenant},
		{name: "agent", prefix: PrefixAgent},
		{name: "job", prefix: PrefixJob},
		{name: "registration token", prefix: PrefixRegToken},
		{name: "camera", prefix: PrefixCamera},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.prefix)
			assert.True(t, Valid(tt.prefix, g), "generated guid should validate: %s", g)
			assert.Len(t, g, len(tt.prefix)+1+26)
		})
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		g := New(PrefixJob)
		require.False(t, seen[g], "duplicate guid generated: %s", g)
		seen[g] = true
	}
}

func TestSortable(t *testing.T) {
	// GUIDs minted later must sort after GUIDs minted earlier.
	first := New(PrefixAgent)
	time.Sleep(2 * time.Millisecond)
	second := New(PrefixAgent)

	ids := []string{second, first}
	sort.Strings(ids)
	assert.Equal(t, first, ids[0])
	assert.Equal(t, second, ids[1])
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		p    Prefix
		s    string
		want bool
	}{
		{name: "wrong prefix", p: PrefixAgent, s: New(PrefixJob), want: false},
		{name: "empty", p: PrefixAgent, s: "", want: false},
		{name: "truncated id", p: PrefixAgent, s: "agt_01h2xcejqt", want: false},
		{name: "no separator", p: PrefixAgent, s: "agt01h2xcejqtf2nbrexx3vqjhp41x", want: false},
		{name: "good", p: PrefixAgent, s: New(PrefixAgent), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.p, tt.s))
		})
	}
}

func TestPrefixOf(t *testing.T) {
	g := New(PrefixConnector)
	p, err := PrefixOf(g)
	require.NoError(t, err)
	assert.Equal(t, PrefixConnector, p)

	_, err = PrefixOf("garbage")
	assert.Error(t, err)
}
