package sql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLiteral(t *testing.T) {
	clean := []string{
		"active",
		"2024-01-15",
		"550e8400-e29b-41d4-a716-446655440000",
		"Europe/Berlin",
		"a normal description with spaces",
	}
	for _, v := range clean {
		assert.NoError(t, CheckLiteral("literal", v), v)
	}

	injected := []string{
		"' OR '1'='1",
		"'; DROP TABLE records--",
		"1 UNION SELECT * FROM passwords",
	}
	for _, v := range injected {
		err := CheckLiteral("interval", v)
		require.Error(t, err, v)

		var injErr *InjectionError
		require.ErrorAs(t, err, &injErr)
		assert.Equal(t, "interval", injErr.Kind)
		assert.Equal(t, v, injErr.Value)
		assert.NotEmpty(t, injErr.Fingerprint)
		assert.Contains(t, err.Error(), "looks like SQL injection")
	}
}

func TestCheckIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		ident   string
		wantErr string
	}{
		{"plain", "title", ""},
		{"system column", "__upd_version", ""},
		{"spaces and unicode", "Größe in cm", ""},
		{"at limit", strings.Repeat("a", MaxIdentifierLength), ""},
		{"empty", "", "empty"},
		{"blank", "  ", "empty"},
		{"too long", strings.Repeat("a", MaxIdentifierLength+1), "longer than"},
		{"double quote", `a"b`, "must not contain"},
		{"nul", "a\x00b", "must not contain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckIdentifier(tt.ident)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
