// Spotify Web API client for the release sync engine.
//
// Response shapes based on https://developer.spotify.com/documentation/web-api/reference/
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"

	// Remote page and multi-get caps, treated as opaque limits.
	pageLimit        = 50
	artistBatchLimit = 50
)

// OAuth scopes required by the sync operations.
const (
	ScopeReadPrivate = "user-read-private"
	ScopeReadEmail   = "user-read-email"
	ScopeFollowRead  = "user-follow-read"
)

// errNotModified signals a 304 on a conditional fetch. Internal to the pager.
var errNotModified = fmt.Errorf("not modified")

type spotifyImage struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type spotifyUser struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Country     string         `json:"country"`
	Images      []spotifyImage `json:"images"`
}

type spotifyArtist struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Images []spotifyImage `json:"images"`
}

type spotifyAlbum struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	AlbumType        string          `json:"album_type"`
	ReleaseDate      string          `json:"release_date"`
	DatePrecision    string          `json:"release_date_precision"`
	AvailableMarkets []string        `json:"available_markets"`
	Images           []spotifyImage  `json:"images"`
	Artists          []spotifyArtist `json:"artists"`
}

type followedArtistsPage struct {
	Artists struct {
		Items []spotifyArtist `json:"items"`
		Next  *string         `json:"next"`
	} `json:"artists"`
}

type albumsPage struct {
	Items []spotifyAlbum `json:"items"`
	Next  *string        `json:"next"`
}

// SpotifyClient makes authenticated requests to the Spotify Web API on
// behalf of exactly one [models.AccessToken].
//
// The token is held by reference and mutated in place on refresh, so every
// holder of the same token observes the new credential.
type SpotifyClient struct {
	config     *oauth2.Config
	token      *models.AccessToken
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger

	baseURL  string
	tokenURL string

	// guards every token field access; concurrent fetches race their reads
	// against the in-place mutation during refresh
	mu sync.Mutex
}

// NewSpotifyClient creates a client bound to the given token reference.
//
// The token may be nil for clients used only to start an authorization flow.
func NewSpotifyClient(cfg shared.SpotifyConfig, token *models.AccessToken) (*SpotifyClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, NewAPIError(KindInitFailed, "missing client_id or client_secret")
	}

	redirectURI := cfg.RedirectURI
	if redirectURI == "" {
		redirectURI = "http://localhost:3000/callback"
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{ScopeReadPrivate, ScopeReadEmail, ScopeFollowRead},
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyAuthURL,
			TokenURL: spotifyTokenURL,
		},
	}

	return &SpotifyClient{
		config:     config,
		token:      token,
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Limit(5), 1),
		logger:     shared.NewLogger(nil),
		baseURL:    spotifyBaseURL,
		tokenURL:   spotifyTokenURL,
	}, nil
}

// SetRateLimit adjusts the client-side request pacing (requests per second).
func (c *SpotifyClient) SetRateLimit(rps float64) {
	if rps > 0 {
		c.limiter.SetLimit(rate.Limit(rps))
	}
}

// Token returns the bound token reference.
func (c *SpotifyClient) Token() *models.AccessToken {
	return c.token
}

// OAuthConfig returns the underlying OAuth2 configuration for callback handling.
func (c *SpotifyClient) OAuthConfig() *oauth2.Config {
	return c.config
}

// GetAuthURL returns the OAuth2 authorization URL for user login.
func (c *SpotifyClient) GetAuthURL(state string) string {
	return c.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Refresh exchanges the refresh token for a new access token, mutating the
// bound token in place.
//
// Failure is fatal for the owning session; callers must force re-authentication.
func (c *SpotifyClient) Refresh(ctx context.Context) error {
	c.mu.Lock()
	var refreshToken string
	if c.token != nil {
		refreshToken = c.token.RefreshToken
	}
	c.mu.Unlock()

	if refreshToken == "" {
		return NewAPIError(KindRefreshFailed, "no refresh token available")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return NewAPIError(KindRefreshFailed, "failed to create refresh request: %v", err)
	}
	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewAPIError(KindRefreshFailed, "refresh request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Kind: KindRefreshFailed, Status: resp.StatusCode, Message: "token refresh rejected"}
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return NewAPIError(KindRefreshFailed, "failed to decode refresh response: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.token.AccessToken = body.AccessToken
	c.token.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	if body.RefreshToken != "" {
		c.token.RefreshToken = body.RefreshToken
	}
	if body.Scope != "" {
		c.token.Scope = strings.Fields(body.Scope)
	}

	return nil
}

// ensureFresh refreshes the token when it is within the proactive margin of
// expiry. Two concurrent fetch paths may both refresh; the second refresh
// idempotently overwrites with another valid token.
func (c *SpotifyClient) ensureFresh(ctx context.Context) error {
	c.mu.Lock()
	if c.token == nil {
		c.mu.Unlock()
		return NewAPIError(KindUnauthorized, "not authenticated")
	}
	expired := c.token.Expired(time.Now())
	c.mu.Unlock()

	if !expired {
		return nil
	}
	return c.Refresh(ctx)
}

// bearer reads the current access token under the lock, so a concurrent
// refresh never hands out a half-written credential.
func (c *SpotifyClient) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token.AccessToken
}

// hasScope reports whether the bound token carries every requested scope.
func (c *SpotifyClient) hasScope(scopes ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != nil && c.token.HasScope(scopes...)
}

// get performs an authenticated GET against the API, decoding the JSON body
// into result. A non-empty etag makes the request conditional; a 304
// response returns errNotModified. The response ETag header is returned for
// cache bookkeeping.
func (c *SpotifyClient) get(ctx context.Context, rawURL, etag string, result any) (string, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", NewAPIError(KindUnknown, "rate limiter wait: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", NewAPIError(KindUnknown, "failed to create request: %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.bearer())
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", NewAPIError(KindUnknown, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return etag, errNotModified
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apiErrorFromResponse(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return "", NewAPIError(KindUnknown, "failed to decode response: %v", err)
		}
	}

	return resp.Header.Get("ETag"), nil
}

// FetchProfile retrieves the authenticated user's profile.
//
// Requires the profile-read and email-read scopes; fails fast with
// NoPermission before any request when either is missing.
func (c *SpotifyClient) FetchProfile(ctx context.Context) (string, *models.Profile, error) {
	if !c.hasScope(ScopeReadPrivate, ScopeReadEmail) {
		return "", nil, NewAPIError(KindNoPermission, "token missing %s or %s scope", ScopeReadPrivate, ScopeReadEmail)
	}

	var user spotifyUser
	if _, err := c.get(ctx, c.baseURL+"/me", "", &user); err != nil {
		return "", nil, err
	}

	profile := &models.Profile{
		Name:        user.DisplayName,
		Country:     user.Country,
		Images:      convertImages(user.Images),
		RetrievedAt: time.Now(),
	}
	return user.ID, profile, nil
}

// ArtistPage is one yield of [ArtistPager]: either a page of artists with
// the response ETag, or a NotModified marker meaning the cached id list is
// still current.
type ArtistPage struct {
	Items       []models.Artist
	ETag        string
	NotModified bool
}

// ArtistPager lazily walks the followed-artists pages. It is finite and
// non-restartable: once Next returns false, check Err for the terminal error.
type ArtistPager struct {
	client *SpotifyClient
	next   string
	etag   string
	first  bool
	done   bool
	err    error
}

// FetchFollowedArtists starts a paginated fetch of the user's followed
// artists. A prior etag makes the first request conditional.
//
// Requires the follow-read scope; fails fast without a request.
func (c *SpotifyClient) FetchFollowedArtists(etag string) (*ArtistPager, error) {
	if !c.hasScope(ScopeFollowRead) {
		return nil, NewAPIError(KindNoPermission, "token missing %s scope", ScopeFollowRead)
	}

	return &ArtistPager{
		client: c,
		next:   fmt.Sprintf("%s/me/following?type=artist&limit=%d", c.baseURL, pageLimit),
		etag:   etag,
		first:  true,
	}, nil
}

// Next advances the pager one remote page. It returns false when the
// sequence is exhausted or failed; Err distinguishes the two.
func (p *ArtistPager) Next(ctx context.Context) (ArtistPage, bool) {
	if p.done {
		return ArtistPage{}, false
	}

	// Only the first request is conditional; follow-up pages are plain GETs.
	etag := ""
	if p.first {
		etag = p.etag
	}

	var page followedArtistsPage
	respETag, err := p.client.get(ctx, p.next, etag, &page)
	if err == errNotModified {
		p.done = true
		return ArtistPage{ETag: p.etag, NotModified: true}, true
	}
	if err != nil {
		p.done = true
		p.err = err
		return ArtistPage{}, false
	}

	p.first = false

	if page.Artists.Next == nil || *page.Artists.Next == "" {
		p.done = true
	} else {
		p.next = *page.Artists.Next
	}

	items := make([]models.Artist, 0, len(page.Artists.Items))
	for _, a := range page.Artists.Items {
		items = append(items, models.Artist{
			ID:     a.ID,
			Name:   a.Name,
			Images: convertImages(a.Images),
		})
	}

	return ArtistPage{Items: items, ETag: respETag}, true
}

// Err returns the terminal error of an exhausted pager, if any.
func (p *ArtistPager) Err() error {
	return p.err
}

// ReleasePager lazily walks one artist's release pages. Releases with no
// available markets are dropped before yielding.
type ReleasePager struct {
	client *SpotifyClient
	next   string
	done   bool
	err    error
}

// FetchArtistReleases starts a paginated fetch of an artist's albums,
// singles, and compilations.
func (c *SpotifyClient) FetchArtistReleases(artistID string) *ReleasePager {
	return &ReleasePager{
		client: c,
		next: fmt.Sprintf("%s/artists/%s/albums?include_groups=album,single,compilation&limit=%d",
			c.baseURL, url.PathEscape(artistID), pageLimit),
	}
}

// Next advances the pager one remote page.
func (p *ReleasePager) Next(ctx context.Context) ([]models.Release, bool) {
	if p.done {
		return nil, false
	}

	var page albumsPage
	if _, err := p.client.get(ctx, p.next, "", &page); err != nil {
		p.done = true
		p.err = err
		return nil, false
	}

	if page.Next == nil || *page.Next == "" {
		p.done = true
	} else {
		p.next = *page.Next
	}

	releases := make([]models.Release, 0, len(page.Items))
	for _, album := range page.Items {
		// Not visible in any market: worthless, drop at ingestion.
		if len(album.AvailableMarkets) == 0 {
			continue
		}
		release, err := convertAlbum(album)
		if err != nil {
			// Keep the release; it sorts to the bottom until the remote
			// sends a usable date.
			p.client.logger.Warn("bad release date from remote", "release", album.ID, "error", err)
		}
		releases = append(releases, release)
	}

	return releases, true
}

// Err returns the terminal error of an exhausted pager, if any.
func (p *ReleasePager) Err() error {
	return p.err
}

// ArtistGroup is the per-group result of [SpotifyClient.FetchArtistsBatch]:
// either the fetched artists or the error for that group.
type ArtistGroup struct {
	Artists []models.Artist
	Err     error
}

// FetchArtistsBatch looks up many artists by id, issuing one concurrent
// request per group of at most the remote multi-get limit. Partial failure
// in one group never fails the whole batch. Empty input makes no requests.
func (c *SpotifyClient) FetchArtistsBatch(ctx context.Context, ids []string) []ArtistGroup {
	if len(ids) == 0 {
		return []ArtistGroup{}
	}

	var chunks [][]string
	for start := 0; start < len(ids); start += artistBatchLimit {
		end := min(start+artistBatchLimit, len(ids))
		chunks = append(chunks, ids[start:end])
	}

	groups := make([]ArtistGroup, len(chunks))

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []string) {
			defer wg.Done()
			groups[i] = c.fetchArtistGroup(ctx, chunk)
		}(i, chunk)
	}
	wg.Wait()

	return groups
}

// fetchArtistGroup issues one multi-get for a single group of ids.
func (c *SpotifyClient) fetchArtistGroup(ctx context.Context, ids []string) ArtistGroup {
	endpoint := fmt.Sprintf("%s/artists?ids=%s", c.baseURL, url.QueryEscape(strings.Join(ids, ",")))

	var body struct {
		Artists []spotifyArtist `json:"artists"`
	}
	if _, err := c.get(ctx, endpoint, "", &body); err != nil {
		return ArtistGroup{Err: err}
	}

	artists := make([]models.Artist, 0, len(body.Artists))
	for _, a := range body.Artists {
		artists = append(artists, models.Artist{
			ID:     a.ID,
			Name:   a.Name,
			Images: convertImages(a.Images),
		})
	}

	return ArtistGroup{Artists: artists}
}

func convertImages(images []spotifyImage) []models.Image {
	out := make([]models.Image, 0, len(images))
	for _, img := range images {
		out = append(out, models.Image{URL: img.URL, Height: img.Height, Width: img.Width})
	}
	return out
}

func convertAlbum(album spotifyAlbum) (models.Release, error) {
	artistIDs := make([]string, 0, len(album.Artists))
	for _, a := range album.Artists {
		artistIDs = append(artistIDs, a.ID)
	}

	releaseDate, err := models.ParseReleaseDate(album.ReleaseDate, album.DatePrecision)

	return models.Release{
		ID:            album.ID,
		Title:         album.Name,
		AlbumType:     album.AlbumType,
		ReleaseDate:   releaseDate,
		DatePrecision: album.DatePrecision,
		Markets:       album.AvailableMarkets,
		Images:        convertImages(album.Images),
		ArtistIDs:     artistIDs,
	}, err
}
