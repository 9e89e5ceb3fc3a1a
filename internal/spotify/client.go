package spotify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/traklist/server/pkg/models"
)

const (
	defaultAccountsURL = "https://accounts.spotify.com"
	defaultAPIURL      = "https://api.spotify.com/v1"

	scopes = "streaming user-read-email user-read-private user-read-playback-state user-modify-playback-state user-read-currently-playing"

	// Longer provider-requested waits are not worth holding a caller for.
	maxRetryAfter = 10 * time.Second
)

type retryPolicy struct {
	attempts int
	min      time.Duration
	max      time.Duration
}

var (
	tokenPolicy   = retryPolicy{attempts: 3, min: 300 * time.Millisecond, max: 2 * time.Second}
	profilePolicy = retryPolicy{attempts: 4, min: 250 * time.Millisecond, max: 2 * time.Second}
	readPolicy    = retryPolicy{attempts: 2, min: 250 * time.Millisecond, max: time.Second}
	commandPolicy = retryPolicy{attempts: 1}
)

type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	accountsURL  string
	apiURL       string
	httpClient   *http.Client
	logger       logrus.FieldLogger
	retryScale   float64
}

type Option func(*Client)

// WithBaseURLs points the client at other accounts and Web API hosts.
func WithBaseURLs(accountsURL, apiURL string) Option {
	return func(c *Client) {
		c.accountsURL = strings.TrimRight(accountsURL, "/")
		c.apiURL = strings.TrimRight(apiURL, "/")
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryScale multiplies every backoff delay. Tests pass a tiny value.
func WithRetryScale(scale float64) Option {
	return func(c *Client) { c.retryScale = scale }
}

type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	RefreshToken string    `json:"refresh_token"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"-"`
}

func (tr *TokenResponse) addExpiresAt() {
	tr.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
}

type Track struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	URI          string       `json:"uri"`
	Artists      []Artist     `json:"artists"`
	Duration     int64        `json:"duration_ms"`
	Album        Album        `json:"album"`
	PreviewURL   string       `json:"preview_url"`
	ExternalURLs ExternalURLs `json:"external_urls"`
}

type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Album struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Images []Image `json:"images"`
}

type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type ExternalURLs struct {
	Spotify string `json:"spotify"`
}

type SearchResponse struct {
	Tracks struct {
		Items []Track `json:"items"`
	} `json:"tracks"`
}

type tracksResponse struct {
	Tracks []*Track `json:"tracks"`
}

// Playback is the currently-playing payload.
type Playback struct {
	Item       *Track `json:"item"`
	ProgressMs int64  `json:"progress_ms"`
	IsPlaying  bool   `json:"is_playing"`
}

type Profile struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Images      []Image `json:"images"`
}

// HostProfile maps the account profile onto the room host identity.
func (p *Profile) HostProfile() models.HostProfile {
	host := models.HostProfile{Name: strings.TrimSpace(p.DisplayName)}
	if host.Name == "" {
		host.Name = "Host"
	}
	if len(p.Images) > 0 {
		host.Image = p.Images[0].URL
	}
	return host
}

// Model converts a provider track into the room's track view.
func (t *Track) Model() models.Track {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}

	var image string
	switch {
	case len(t.Album.Images) > 1:
		image = t.Album.Images[1].URL
	case len(t.Album.Images) == 1:
		image = t.Album.Images[0].URL
	}

	uri := t.URI
	if uri == "" && t.ID != "" {
		uri = "spotify:track:" + t.ID
	}

	return models.Track{
		ID:         t.ID,
		Name:       t.Name,
		Artist:     strings.Join(names, ", "),
		Album:      t.Album.Name,
		Image:      image,
		URI:        uri,
		SpotifyURL: t.ExternalURLs.Spotify,
		DurationMs: t.Duration,
		PreviewURL: t.PreviewURL,
	}
}

func NewClient(clientID, clientSecret, redirectURI string, opts ...Option) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		accountsURL:  defaultAccountsURL,
		apiURL:       defaultAPIURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logrus.StandardLogger(),
		retryScale:   1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) AuthURL(state string) string {
	params := url.Values{}
	params.Add("client_id", c.clientID)
	params.Add("response_type", "code")
	params.Add("redirect_uri", c.redirectURI)
	params.Add("scope", scopes)
	params.Add("state", state)
	params.Add("show_dialog", "true")

	return c.accountsURL + "/authorize?" + params.Encode()
}

func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.redirectURI)

	return c.doTokenRequest(ctx, "exchange code", data)
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	return c.doTokenRequest(ctx, "refresh token", data)
}

func (c *Client) doTokenRequest(ctx context.Context, op string, data url.Values) (*TokenResponse, error) {
	resp, err := c.do(ctx, op, tokenPolicy, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountsURL+"/api/token", strings.NewReader(data.Encode()))
		if err != nil {
			return nil, err
		}

		auth := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
		req.Header.Add("Authorization", "Basic "+auth)
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(op, resp)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("spotify: decode %s response: %w", op, err)
	}
	token.addExpiresAt()
	return &token, nil
}

func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var profile Profile
	if _, err := c.getJSON(ctx, "fetch profile", profilePolicy, accessToken, "/me", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) Search(ctx context.Context, accessToken, query string, limit int) ([]models.Track, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("type", "track")
	params.Add("limit", strconv.Itoa(limit))
	params.Add("market", "from_token")

	var searchResp SearchResponse
	if _, err := c.getJSON(ctx, "search", readPolicy, accessToken, "/search", params, &searchResp); err != nil {
		return nil, err
	}

	tracks := make([]models.Track, 0, len(searchResp.Tracks.Items))
	for i := range searchResp.Tracks.Items {
		tracks = append(tracks, searchResp.Tracks.Items[i].Model())
	}

	c.fillPreviews(ctx, accessToken, tracks)
	return tracks, nil
}

// fillPreviews looks up preview URLs the search response left empty. Failures
// only cost the previews.
func (c *Client) fillPreviews(ctx context.Context, accessToken string, tracks []models.Track) {
	var ids []string
	for _, t := range tracks {
		if t.PreviewURL == "" && t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	params := url.Values{}
	params.Add("ids", strings.Join(ids, ","))
	params.Add("market", "from_token")

	var resp tracksResponse
	if _, err := c.getJSON(ctx, "track details", commandPolicy, accessToken, "/tracks", params, &resp); err != nil {
		c.logger.WithError(err).Debug("preview lookup failed")
		return
	}

	previews := make(map[string]string, len(resp.Tracks))
	for _, t := range resp.Tracks {
		if t != nil && t.PreviewURL != "" {
			previews[t.ID] = t.PreviewURL
		}
	}
	for i := range tracks {
		if p, ok := previews[tracks[i].ID]; ok && tracks[i].PreviewURL == "" {
			tracks[i].PreviewURL = p
		}
	}
}

// CurrentlyPlaying returns nil when nothing is playing.
func (c *Client) CurrentlyPlaying(ctx context.Context, accessToken string) (*Playback, error) {
	var playback Playback
	status, err := c.getJSON(ctx, "currently playing", readPolicy, accessToken, "/me/player/currently-playing", nil, &playback)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || playback.Item == nil || playback.Item.ID == "" {
		return nil, nil
	}
	return &playback, nil
}

func (c *Client) Enqueue(ctx context.Context, accessToken, uri string) error {
	params := url.Values{}
	params.Add("uri", trackURI(uri))
	return c.command(ctx, "enqueue", http.MethodPost, accessToken, "/me/player/queue", params, nil)
}

func (c *Client) TransferPlayback(ctx context.Context, accessToken, deviceID string) error {
	payload := map[string]interface{}{
		"device_ids": []string{deviceID},
		"play":       false,
	}
	return c.command(ctx, "transfer playback", http.MethodPut, accessToken, "/me/player", nil, payload)
}

func (c *Client) Play(ctx context.Context, accessToken, deviceID, uri string, positionMs int64) error {
	payload := map[string]interface{}{
		"uris":        []string{trackURI(uri)},
		"position_ms": positionMs,
	}
	return c.command(ctx, "play", http.MethodPut, accessToken, "/me/player/play", deviceParams(deviceID), payload)
}

func (c *Client) Pause(ctx context.Context, accessToken, deviceID string) error {
	return c.command(ctx, "pause", http.MethodPut, accessToken, "/me/player/pause", deviceParams(deviceID), nil)
}

func trackURI(uri string) string {
	if strings.HasPrefix(uri, "spotify:") {
		return uri
	}
	return fmt.Sprintf("spotify:track:%s", uri)
}

func deviceParams(deviceID string) url.Values {
	if deviceID == "" {
		return nil
	}
	params := url.Values{}
	params.Add("device_id", deviceID)
	return params
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := c.apiURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *Client) getJSON(ctx context.Context, op string, policy retryPolicy, accessToken, path string, params url.Values, out interface{}) (int, error) {
	resp, err := c.do(ctx, op, policy, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, params), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Add("Authorization", "Bearer "+accessToken)
		return req, nil
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return resp.StatusCode, nil
	default:
		return resp.StatusCode, readAPIError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("spotify: decode %s response: %w", op, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) command(ctx context.Context, op, method, accessToken, path string, params url.Values, payload interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	resp, err := c.do(ctx, op, commandPolicy, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, params), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Add("Authorization", "Bearer "+accessToken)
		if payload != nil {
			req.Header.Add("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		io.Copy(io.Discard, resp.Body)
		return nil
	default:
		return readAPIError(op, resp)
	}
}

// do sends the request built by newReq, retrying rate limits, server errors
// and network failures up to policy.attempts. Retry-After wins over backoff.
func (c *Client) do(ctx context.Context, op string, policy retryPolicy, newReq func() (*http.Request, error)) (*http.Response, error) {
	b := &backoff.Backoff{
		Min:    c.scale(policy.min),
		Max:    c.scale(policy.max),
		Factor: 2,
	}

	for attempt := 1; ; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}

		var delay time.Duration
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= policy.attempts {
				return nil, &APIError{Op: op, Message: err.Error()}
			}
			delay = b.Duration()
		} else {
			if !isRetryable(resp.StatusCode) || attempt >= policy.attempts {
				return resp, nil
			}
			delay = retryAfter(resp.Header)
			if delay > maxRetryAfter {
				return resp, nil
			}
			if delay == 0 {
				delay = b.Duration()
			} else {
				delay = c.scale(delay)
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		c.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Debug("retrying spotify request")

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) * c.retryScale)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func readAPIError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return newAPIError(op, resp.StatusCode, body)
}
