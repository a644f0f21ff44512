package archimedes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderIdentityExtractorSPIFFEPriority(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Header.Set("X-SPIFFE-ID", "spiffe://cluster.local/ns/default/sa/widgets")
	req.Header.Set("X-API-Key", "key-123")
	ctx := newContext(req, httptest.NewRecorder(), nil)

	id := HeaderIdentityExtractor()(ctx)
	assert.Equal(t, IdentitySPIFFE, id.Kind)
	assert.Equal(t, []string{"spiffe:cluster.local"}, id.RoleKeys())
}

func TestHeaderIdentityExtractorUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-User-Roles", "admin, viewer")
	ctx := newContext(req, httptest.NewRecorder(), nil)

	id := HeaderIdentityExtractor()(ctx)
	assert.Equal(t, IdentityUser, id.Kind)
	assert.Equal(t, []string{"admin", "viewer"}, id.Roles)
}

func TestHeaderIdentityExtractorAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	ctx := newContext(req, httptest.NewRecorder(), nil)

	id := HeaderIdentityExtractor()(ctx)
	assert.Equal(t, IdentityAnonymous, id.Kind)
}
