// Package keycloak talks to the Keycloak admin REST API of one realm
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/openidx/idsync/internal/common/config"
	"github.com/openidx/idsync/internal/common/resilience"
	"github.com/openidx/idsync/internal/directory"
)

// Target is the directory name used in logs, metrics and password bookkeeping
const Target = "keycloak"

// Config holds the admin API location and service account credentials
type Config struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	PageSize     int
}

// FromConfig converts the service configuration
func FromConfig(c config.KeycloakConfig) Config {
	return Config{
		BaseURL:      c.BaseURL,
		Realm:        c.Realm,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Timeout:      c.Timeout,
		PageSize:     c.PageSize,
	}
}

// Client implements directory.Client against Keycloak. Requests authenticate
// with a client_credentials token and run through a circuit breaker.
type Client struct {
	cfg    Config
	http   *resilience.ResilientHTTPClient
	logger *zap.Logger
}

var (
	_ directory.Client     = (*Client)(nil)
	_ directory.CaseFolder = (*Client)(nil)
)

// New creates a Keycloak client
func New(cfg Config, cb *resilience.CircuitBreaker, logger *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	base := &http.Client{Timeout: cfg.Timeout}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/realms/" + url.PathEscape(cfg.Realm) + "/protocol/openid-connect/token",
	}
	// token fetches outlive any single request
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	authed := cc.Client(tokenCtx)
	authed.Timeout = cfg.Timeout

	return &Client{
		cfg:    cfg,
		http:   resilience.NewResilientHTTPClient(authed, cb),
		logger: logger.With(zap.String("component", "keycloak-directory")),
	}
}

// Target implements directory.Client
func (c *Client) Target() string { return Target }

// FoldsUsernames implements directory.CaseFolder. Keycloak lower-cases
// usernames on write.
func (c *Client) FoldsUsernames() bool { return true }

type userRepresentation struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Enabled   bool   `json:"enabled"`
}

type groupRepresentation struct {
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

type credentialRepresentation struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

func toUser(r userRepresentation) directory.ExternalUser {
	return directory.ExternalUser{
		ID:        r.ID,
		Username:  r.Username,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Enabled:   r.Enabled,
	}
}

func fromUser(u directory.ExternalUser) userRepresentation {
	return userRepresentation{
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Enabled:   u.Enabled,
	}
}

// Group descriptions live in the "description" attribute so older realms
// without a native field keep them too
func toGroup(r groupRepresentation) directory.ExternalGroup {
	g := directory.ExternalGroup{ID: r.ID, Name: r.Name}
	if v := r.Attributes["description"]; len(v) > 0 {
		g.Description = v[0]
	}
	return g
}

func fromGroup(g directory.ExternalGroup) groupRepresentation {
	r := groupRepresentation{Name: g.Name, Attributes: map[string][]string{}}
	if g.Description != "" {
		r.Attributes["description"] = []string{g.Description}
	}
	return r
}

func (c *Client) GetAllUsers(ctx context.Context) ([]directory.ExternalUser, error) {
	reps, err := getPaged[userRepresentation](ctx, c, "users", url.Values{"briefRepresentation": {"false"}})
	if err != nil {
		return nil, err
	}
	users := make([]directory.ExternalUser, 0, len(reps))
	for _, r := range reps {
		users = append(users, toUser(r))
	}
	return users, nil
}

func (c *Client) GetAllGroups(ctx context.Context) ([]directory.ExternalGroup, error) {
	reps, err := getPaged[groupRepresentation](ctx, c, "groups", url.Values{"briefRepresentation": {"false"}})
	if err != nil {
		return nil, err
	}
	groups := make([]directory.ExternalGroup, 0, len(reps))
	for _, r := range reps {
		groups = append(groups, toGroup(r))
	}
	return groups, nil
}

func (c *Client) FindUserByUsername(ctx context.Context, username string) (*directory.ExternalUser, error) {
	var reps []userRepresentation
	q := url.Values{"username": {username}, "exact": {"true"}}
	if _, err := c.do(ctx, http.MethodGet, "users", q, nil, &reps); err != nil {
		return nil, err
	}
	for _, r := range reps {
		// Keycloak lower-cases usernames
		if strings.EqualFold(r.Username, username) {
			u := toUser(r)
			return &u, nil
		}
	}
	return nil, directory.ErrNotFound
}

func (c *Client) CreateUser(ctx context.Context, user directory.ExternalUser) (string, error) {
	header, err := c.do(ctx, http.MethodPost, "users", nil, fromUser(user), nil)
	if err != nil {
		return "", err
	}
	return createdID(header)
}

func (c *Client) UpdateUser(ctx context.Context, id string, user directory.ExternalUser) error {
	_, err := c.do(ctx, http.MethodPut, "users/"+url.PathEscape(id), nil, fromUser(user), nil)
	return err
}

func (c *Client) ResetPassword(ctx context.Context, id, secret string) error {
	cred := credentialRepresentation{Type: "password", Value: secret}
	_, err := c.do(ctx, http.MethodPut, "users/"+url.PathEscape(id)+"/reset-password", nil, cred, nil)
	return err
}

func (c *Client) GetUserGroups(ctx context.Context, id string) ([]directory.ExternalGroup, error) {
	reps, err := getPaged[groupRepresentation](ctx, c, "users/"+url.PathEscape(id)+"/groups", url.Values{"briefRepresentation": {"false"}})
	if err != nil {
		return nil, err
	}
	groups := make([]directory.ExternalGroup, 0, len(reps))
	for _, r := range reps {
		groups = append(groups, toGroup(r))
	}
	return groups, nil
}

func (c *Client) GetGroupMembers(ctx context.Context, groupID string) ([]directory.ExternalUser, error) {
	reps, err := getPaged[userRepresentation](ctx, c, "groups/"+url.PathEscape(groupID)+"/members", nil)
	if err != nil {
		return nil, err
	}
	users := make([]directory.ExternalUser, 0, len(reps))
	for _, r := range reps {
		users = append(users, toUser(r))
	}
	return users, nil
}

func (c *Client) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	_, err := c.do(ctx, http.MethodPut, "users/"+url.PathEscape(userID)+"/groups/"+url.PathEscape(groupID), nil, nil, nil)
	return err
}

func (c *Client) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	_, err := c.do(ctx, http.MethodDelete, "users/"+url.PathEscape(userID)+"/groups/"+url.PathEscape(groupID), nil, nil, nil)
	return err
}

func (c *Client) CreateGroup(ctx context.Context, group directory.ExternalGroup) (string, error) {
	header, err := c.do(ctx, http.MethodPost, "groups", nil, fromGroup(group), nil)
	if err != nil {
		return "", err
	}
	return createdID(header)
}

func (c *Client) UpdateGroup(ctx context.Context, id string, group directory.ExternalGroup) error {
	_, err := c.do(ctx, http.MethodPut, "groups/"+url.PathEscape(id), nil, fromGroup(group), nil)
	return err
}

// createdID reads the new entity id from the Location header of a 201
func createdID(header http.Header) (string, error) {
	loc := header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("keycloak: created entity without Location header")
	}
	return path.Base(loc), nil
}

// getPaged follows first/max paging until a short page comes back
func getPaged[T any](ctx context.Context, c *Client, p string, query url.Values) ([]T, error) {
	var all []T
	for first := 0; ; first += c.cfg.PageSize {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("first", strconv.Itoa(first))
		q.Set("max", strconv.Itoa(c.cfg.PageSize))

		var page []T
		if _, err := c.do(ctx, http.MethodGet, p, q, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < c.cfg.PageSize {
			return all, nil
		}
	}
}

// do sends one admin API request. A 404 maps to directory.ErrNotFound.
func (c *Client) do(ctx context.Context, method, p string, query url.Values, body, out any) (http.Header, error) {
	u := c.cfg.BaseURL + "/admin/realms/" + url.PathEscape(c.cfg.Realm) + "/" + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("keycloak: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("keycloak: failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keycloak %s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("keycloak %s %s: %w", method, p, directory.ErrNotFound)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("Keycloak request rejected",
			zap.String("method", method),
			zap.String("path", p),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("keycloak %s %s: HTTP %d: %s", method, p, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("keycloak: failed to decode response: %w", err)
		}
	}
	return resp.Header, nil
}
