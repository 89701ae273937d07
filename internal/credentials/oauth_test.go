package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

func TestOAuthRefresherExchangesRefreshToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "new-access",
			"refresh_token": "new-refresh",
			"token_type": "Bearer",
			"expires_in": 3600
		}`))
	}))
	defer srv.Close()

	r := NewOAuthRefresher(map[crawljob.Platform]OAuthApp{
		crawljob.PlatformGoogleAds: {ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL},
	})

	fresh, err := r.Refresh(context.Background(), crawljob.PlatformGoogleAds, crawljob.Credentials{
		AccessToken:  "stale",
		RefreshToken: "old-refresh",
	})
	require.NoError(t, err)
	require.Equal(t, "new-access", fresh.AccessToken)
	require.Equal(t, "new-refresh", fresh.RefreshToken)
	require.NotZero(t, fresh.ExpiresAt)
}

func TestOAuthRefresherUnknownPlatform(t *testing.T) {
	t.Parallel()

	r := NewOAuthRefresher(nil)
	_, err := r.Refresh(context.Background(), crawljob.PlatformMetaAds, crawljob.Credentials{})
	require.Error(t, err)
	require.True(t, crawljob.IsKind(err, crawljob.KindCredential))
}

func TestOAuthRefresherUpstreamRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	r := NewOAuthRefresher(map[crawljob.Platform]OAuthApp{
		crawljob.PlatformGoogleAds: {ClientID: "cid", TokenURL: srv.URL},
	})

	_, err := r.Refresh(context.Background(), crawljob.PlatformGoogleAds, crawljob.Credentials{
		RefreshToken: "revoked",
	})
	require.Error(t, err)
	require.True(t, crawljob.IsKind(err, crawljob.KindCredential))
}
