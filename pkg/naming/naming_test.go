package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		maxLen  int
		hashLen int
		want    string // empty means only structural checks apply
		wantErr bool
	}{
		{
			name:    "valid name passes through",
			raw:     "alice",
			maxLen:  63,
			hashLen: 8,
			want:    "alice",
		},
		{
			name:    "uppercase input is lowercased",
			raw:     "Alice",
			maxLen:  63,
			hashLen: 8,
			want:    "alice",
		},
		{
			name:    "route spec with slashes is slugged",
			raw:     "jupyter-hub/ns-a/svc-b-route",
			maxLen:  63,
			hashLen: 8,
		},
		{
			name:    "long input is truncated with suffix",
			raw:     strings.Repeat("user-", 30),
			maxLen:  63,
			hashLen: 8,
		},
		{
			name:    "accented username folds to ascii",
			raw:     "josé",
			maxLen:  63,
			hashLen: 8,
		},
		{
			name:    "budget too small for hash",
			raw:     "whatever",
			maxLen:  9,
			hashLen: 8,
			wantErr: true,
		},
		{
			name:    "zero hash length rejected",
			raw:     "whatever",
			maxLen:  63,
			hashLen: 0,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DeriveName(tt.raw, tt.maxLen, tt.hashLen)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			assert.True(t, IsValidObjectName(got), "result %q must be a valid object name", got)
			assert.LessOrEqual(t, len(got), tt.maxLen)
			if tt.want != "" {
				assert.Equal(t, tt.want, got)
			}

			// Deterministic and idempotent.
			again, err := DeriveName(tt.raw, tt.maxLen, tt.hashLen)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestDeriveNameSlugShape(t *testing.T) {
	t.Parallel()

	got, err := DeriveName("jupyter-NS/svc:8080-route", 63, 8)
	require.NoError(t, err)

	// Sanitized prefix, then the separator, then exactly 8 hex digits.
	parts := strings.SplitN(got, "--", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "jupyter-ns-svc-8080-route", parts[0])
	assert.Len(t, parts[1], 8)
	assert.Regexp(t, "^[0-9a-f]{8}$", parts[1])
}

func TestDeriveNameDistinguishesSanitizedCollisions(t *testing.T) {
	t.Parallel()

	a, err := DeriveName("svc/a-b", 63, 8)
	require.NoError(t, err)
	b, err := DeriveName("svc-a/b", 63, 8)
	require.NoError(t, err)

	// Both sanitize to the same prefix; the digest keeps them apart.
	assert.NotEqual(t, a, b)
}

func TestCombineNames(t *testing.T) {
	t.Parallel()

	t.Run("sentinel prevents regrouping collisions", func(t *testing.T) {
		t.Parallel()

		ab, err := CombineNames([]string{"ab", "c"}, 63, 8)
		require.NoError(t, err)
		a, err := CombineNames([]string{"a", "bc"}, 63, 8)
		require.NoError(t, err)
		assert.NotEqual(t, ab, a)
	})

	t.Run("length apportioned across fragments", func(t *testing.T) {
		t.Parallel()

		long := strings.Repeat("x", 60)
		got, err := CombineNames([]string{long, long, long}, 63, 8)
		require.NoError(t, err)
		assert.True(t, IsValidObjectName(got), "result %q must be a valid object name", got)
		assert.LessOrEqual(t, len(got), 63)
	})

	t.Run("empty input rejected", func(t *testing.T) {
		t.Parallel()

		_, err := CombineNames(nil, 63, 8)
		require.Error(t, err)
	})
}

func TestIsValidObjectName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"carta-alice", true},
		{"a", true},
		{"a1", true},
		{"", false},
		{"1abc", false},
		{"abc-", false},
		{"Abc", false},
		{"a_b", false},
		{strings.Repeat("a", 63), true},
		{strings.Repeat("a", 64), false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsValidObjectName(tt.in))
		})
	}
}

func TestIsValidLabelValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"alice", true},
		{"Alice.B_c-d", true},
		{"-alice", false},
		{"alice-", false},
		{"a b", false},
		{strings.Repeat("a", 64), false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsValidLabelValue(tt.in))
		})
	}
}
