package backup

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"acme", "acme"},
		{"Acme Corp", "Acme_Corp"},
		{"  a.b/c  ", "a_b_c"},
		{"", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestTenantDir(t *testing.T) {
	root := "/srv/backups"
	assert.Equal(t, filepath.Join(root, "acme42"), TenantDir(root, "acme42"))

	ids := []string{"a.b", "a_b", "a b", "a/b", "ab"}
	seen := make(map[string]string)
	for _, id := range ids {
		dir := TenantDir(root, id)
		assert.Equal(t, root, filepath.Dir(dir), "tenant %q stays directly under the root", id)
		if other, ok := seen[dir]; ok {
			t.Errorf("tenants %q and %q share %s", other, id, dir)
		}
		seen[dir] = id
	}

	dir := filepath.Base(TenantDir(root, "a.b"))
	assert.True(t, strings.HasPrefix(dir, "a_b-"), dir)
	assert.Equal(t, dir, filepath.Base(TenantDir(root, "a.b")), "stable across calls")
}
