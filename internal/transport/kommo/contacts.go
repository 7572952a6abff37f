package kommo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// RESTClient reads contacts from the Kommo REST API with an OAuth2
// refresh-token grant.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// RESTOpts holds parameters for creating a RESTClient.
type RESTOpts struct {
	BaseURL      string // https://<subdomain>.kommo.com
	ClientID     string
	ClientSecret string
	RefreshToken string
	RedirectURL  string
	TokenURL     string // defaults to BaseURL + "/oauth2/access_token"
}

// NewRESTClient creates a RESTClient. The returned client refreshes its
// access token on demand; ctx scopes token refresh requests.
func NewRESTClient(ctx context.Context, opts RESTOpts) (*RESTClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("kommo: rest base url is required")
	}
	if opts.RefreshToken == "" {
		return nil, fmt.Errorf("kommo: refresh token is required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = base + "/oauth2/access_token"
	}
	cfg := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RedirectURL:  opts.RedirectURL,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: opts.RefreshToken})
	return &RESTClient{baseURL: base, http: oauth2.NewClient(ctx, src)}, nil
}

type restContact struct {
	ID           json.Number `json:"id"`
	Name         string      `json:"name"`
	CustomFields []struct {
		FieldCode string `json:"field_code"`
		Values    []struct {
			Value string `json:"value"`
		} `json:"values"`
	} `json:"custom_fields_values"`
}

// Contact fetches one contact and extracts its first phone number.
func (c *RESTClient) Contact(ctx context.Context, id string) (*Contact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v4/contacts/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("kommo: contact %s: %w", id, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kommo: contact %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("kommo: contact %s: status %d: %s", id, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rc restContact
	if err := json.NewDecoder(resp.Body).Decode(&rc); err != nil {
		return nil, fmt.Errorf("kommo: decode contact %s: %w", id, err)
	}
	out := &Contact{ID: rc.ID.String(), Name: rc.Name}
	for _, f := range rc.CustomFields {
		if f.FieldCode == "PHONE" && len(f.Values) > 0 {
			out.Phone = f.Values[0].Value
			break
		}
	}
	return out, nil
}
