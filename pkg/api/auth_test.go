package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectFromToken(t *testing.T) {
	tests := []struct {
		name        string
		token       string
		want        string
		errContains string
	}{
		{name: "valid", token: makeToken("acct-1"), want: "acct-1"},
		{name: "two segments", token: "a.b", errContains: "malformed"},
		{name: "bad base64", token: "a.!!!.c", errContains: "decode"},
		{name: "no subject", token: makeToken(""), errContains: "no subject"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub, err := subjectFromToken(tc.token)
			if tc.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, sub)
		})
	}
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer abc"))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken(""))
}

func TestAuthMiddlewareRejectsMissingAndMalformed(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, newRequest(t, http.MethodGet, "/api/projects", nil, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := newRequest(t, http.MethodGet, "/api/projects", nil, "")
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueryTokenOnlyAcceptedOnStreamRoute(t *testing.T) {
	f := newFixture(t)

	// Non-SSE routes never read ?token=.
	rec := f.do(t, newRequest(t, http.MethodGet, "/api/projects?token="+makeToken("acct-1"), nil, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminEndpointRequiresKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, newRequest(t, http.MethodPost, "/api/admin/billing/acct-1/reset", nil, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := newRequest(t, http.MethodPost, "/api/admin/billing/acct-1/reset", nil, "")
	req.Header.Set("X-Admin-Api-Key", "wrong")
	rec = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = newRequest(t, http.MethodPost, "/api/admin/billing/acct-1/reset", nil, "")
	req.Header.Set("X-Admin-Api-Key", "admin-secret")
	rec = f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"acct-1"}, f.billing.resets)
}
