package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/voyagedesk/voyagedesk/internal/platform/timeouts"
)

// AdvisorIdentity is the resolved identity behind an advisor access token.
type AdvisorIdentity struct {
	UserID string
	OrgID  string
	Name   string
}

// AdvisorAuthorizer validates advisor access tokens against the auth
// service.
type AdvisorAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (AdvisorIdentity, error)
}

// ShareGrant is the trip context resolved from a client share link.
type ShareGrant struct {
	TripID      string
	ClientID    string
	ClientName  string
	OrgID       string
	AdvisorName string
}

// ShareTokenResolver validates a trip share token against the core service
// and returns the trip context it grants.
type ShareTokenResolver interface {
	Resolve(ctx context.Context, tripID string, shareToken string) (ShareGrant, error)
}

// ErrShareTokenInvalid indicates a share token the core service rejected.
var ErrShareTokenInvalid = errors.New("share token is invalid")

type httpAdvisorAuthorizer struct {
	authBaseURL    string
	resourceSecret string
	httpClient     *http.Client
}

type advisorIntrospectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Name   string `json:"name"`
}

// NewAdvisorAuthorizer builds the HTTP token introspection client. Returns
// nil when auth is not configured; callers treat a nil authorizer as
// auth-disabled.
func NewAdvisorAuthorizer(authBaseURL, resourceSecret string) AdvisorAuthorizer {
	authBaseURL = strings.TrimSpace(authBaseURL)
	resourceSecret = strings.TrimSpace(resourceSecret)
	if authBaseURL == "" || resourceSecret == "" {
		return nil
	}
	return &httpAdvisorAuthorizer{
		authBaseURL:    authBaseURL,
		resourceSecret: resourceSecret,
		httpClient: &http.Client{
			Timeout: timeouts.CollaboratorRequest,
		},
	}
}

func (a *httpAdvisorAuthorizer) Authenticate(ctx context.Context, accessToken string) (AdvisorIdentity, error) {
	if a == nil || a.httpClient == nil {
		return AdvisorIdentity{}, errors.New("auth is not configured")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return AdvisorIdentity{}, errors.New("access token is required")
	}

	endpoint := strings.TrimRight(a.authBaseURL, "/") + "/introspect"
	authCtx, cancel := context.WithTimeout(ctx, timeouts.CollaboratorRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(authCtx, http.MethodPost, endpoint, nil)
	if err != nil {
		return AdvisorIdentity{}, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Resource-Secret", a.resourceSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return AdvisorIdentity{}, fmt.Errorf("call auth introspection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AdvisorIdentity{}, fmt.Errorf("auth introspection status %d", resp.StatusCode)
	}

	var payload advisorIntrospectResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return AdvisorIdentity{}, fmt.Errorf("decode introspection response: %w", err)
	}
	if !payload.Active {
		return AdvisorIdentity{}, errors.New("inactive access token")
	}

	userID := strings.TrimSpace(payload.UserID)
	orgID := strings.TrimSpace(payload.OrgID)
	if userID == "" {
		return AdvisorIdentity{}, errors.New("introspection returned empty user id")
	}
	if orgID == "" {
		return AdvisorIdentity{}, errors.New("introspection returned empty org id")
	}
	return AdvisorIdentity{
		UserID: userID,
		OrgID:  orgID,
		Name:   strings.TrimSpace(payload.Name),
	}, nil
}

type httpShareTokenResolver struct {
	coreBaseURL    string
	resourceSecret string
	httpClient     *http.Client
}

type shareGrantResponse struct {
	Valid       bool   `json:"valid"`
	TripID      string `json:"trip_id"`
	ClientID    string `json:"client_id"`
	ClientName  string `json:"client_name"`
	OrgID       string `json:"org_id"`
	AdvisorName string `json:"advisor_name"`
}

// NewShareTokenResolver builds the HTTP share token client against the core
// service. Returns nil when the core surface is not configured.
func NewShareTokenResolver(coreBaseURL, resourceSecret string) ShareTokenResolver {
	coreBaseURL = strings.TrimSpace(coreBaseURL)
	resourceSecret = strings.TrimSpace(resourceSecret)
	if coreBaseURL == "" || resourceSecret == "" {
		return nil
	}
	return &httpShareTokenResolver{
		coreBaseURL:    coreBaseURL,
		resourceSecret: resourceSecret,
		httpClient: &http.Client{
			Timeout: timeouts.CollaboratorRequest,
		},
	}
}

func (r *httpShareTokenResolver) Resolve(ctx context.Context, tripID string, shareToken string) (ShareGrant, error) {
	if r == nil || r.httpClient == nil {
		return ShareGrant{}, errors.New("share token resolver is not configured")
	}
	tripID = strings.TrimSpace(tripID)
	shareToken = strings.TrimSpace(shareToken)
	if tripID == "" {
		return ShareGrant{}, fmt.Errorf("%w: trip id is required", ErrShareTokenInvalid)
	}
	if shareToken == "" {
		return ShareGrant{}, fmt.Errorf("%w: share token is required", ErrShareTokenInvalid)
	}

	endpoint := strings.TrimRight(r.coreBaseURL, "/") + "/internal/trips/" + url.PathEscape(tripID) + "/share-grant?token=" + url.QueryEscape(shareToken)
	callCtx, cancel := context.WithTimeout(ctx, timeouts.CollaboratorRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ShareGrant{}, fmt.Errorf("build share grant request: %w", err)
	}
	req.Header.Set("X-Resource-Secret", r.resourceSecret)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ShareGrant{}, fmt.Errorf("call share grant lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ShareGrant{}, ErrShareTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		return ShareGrant{}, fmt.Errorf("share grant lookup status %d", resp.StatusCode)
	}

	var payload shareGrantResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ShareGrant{}, fmt.Errorf("decode share grant response: %w", err)
	}
	if !payload.Valid {
		return ShareGrant{}, ErrShareTokenInvalid
	}
	if strings.TrimSpace(payload.ClientID) == "" || strings.TrimSpace(payload.OrgID) == "" {
		return ShareGrant{}, errors.New("share grant response is missing identity fields")
	}
	return ShareGrant{
		TripID:      strings.TrimSpace(payload.TripID),
		ClientID:    strings.TrimSpace(payload.ClientID),
		ClientName:  strings.TrimSpace(payload.ClientName),
		OrgID:       strings.TrimSpace(payload.OrgID),
		AdvisorName: strings.TrimSpace(payload.AdvisorName),
	}, nil
}
