package credentials

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// OAuthApp is one platform's OAuth client application.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the platform default when set.
	TokenURL string
}

// defaultTokenURLs maps platforms to their production token endpoints.
var defaultTokenURLs = map[crawljob.Platform]string{
	crawljob.PlatformGoogleAds: "https://oauth2.googleapis.com/token",
	crawljob.PlatformMetaAds:   "https://graph.facebook.com/v19.0/oauth/access_token",
	crawljob.PlatformTikTokAds: "https://business-api.tiktok.com/open_api/v1.3/oauth2/access_token/",
	crawljob.PlatformXAds:      "https://api.x.com/2/oauth2/token",
	crawljob.PlatformLineAds:   "https://api.line.me/oauth2/v3/token",
}

// OAuthRefresher exchanges refresh tokens against each platform's token
// endpoint using a registered client application.
type OAuthRefresher struct {
	apps map[crawljob.Platform]OAuthApp
}

// NewOAuthRefresher builds a refresher from per-platform applications.
// Platforms without an app cannot be refreshed and surface as credential
// errors at refresh time.
func NewOAuthRefresher(apps map[crawljob.Platform]OAuthApp) *OAuthRefresher {
	cp := make(map[crawljob.Platform]OAuthApp, len(apps))
	for platform, app := range apps {
		cp[platform] = app
	}
	return &OAuthRefresher{apps: cp}
}

// Refresh implements crawljob.TokenRefresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, platform crawljob.Platform, creds crawljob.Credentials) (crawljob.Credentials, error) {
	app, ok := r.apps[platform]
	if !ok {
		return crawljob.Credentials{}, crawljob.Errorf(crawljob.KindCredential,
			"no OAuth application registered for platform %s", platform)
	}
	tokenURL := app.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURLs[platform]
	}
	if tokenURL == "" {
		return crawljob.Credentials{}, crawljob.Errorf(crawljob.KindCredential,
			"no token endpoint known for platform %s", platform)
	}

	conf := &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return crawljob.Credentials{}, crawljob.WrapError(crawljob.KindCredential, err)
	}

	fresh := crawljob.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		fresh.ExpiresAt = tok.Expiry.UnixMilli()
	}
	return fresh, nil
}
