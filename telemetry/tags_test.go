package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/votes/0x1", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	tags := GetTags(newTaggedRequest())
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Route)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters(t *testing.T) {
	r := newTaggedRequest()
	SetRoute(r, "votes")
	SetEndpoint(r, "report")
	SetCacheResult(r, CachePending)

	tags := GetTags(r)
	require.Equal(t, "votes", tags.Route)
	require.Equal(t, "report", tags.Endpoint)
	require.Equal(t, CachePending, tags.CacheResult)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/og/home", nil)
	// must not panic
	SetRoute(r, "og")
	SetEndpoint(r, "png")
	SetCacheResult(r, CacheHit)
}
