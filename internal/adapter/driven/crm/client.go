// Package crm implements the CRMClient port against the remote CRM's
// HTTP API.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"golang.org/x/oauth2"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CRMClient = (*Client)(nil)

// Client implements the driven.CRMClient port. Record fetches go through an
// httpcache memory transport (ETag-based conditional request caching);
// credential refreshes use the oauth2 refresh-token grant against the CRM's
// token endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	oauthCfg   oauth2.Config
}

// NewClient creates a CRM client for the given API base URL and token
// endpoint.
func NewClient(baseURL, tokenURL, clientID, clientSecret string) *Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()

	return &Client{
		httpClient: &http.Client{
			Transport: cacheTransport,
			Timeout:   30 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		oauthCfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
	}
}

// batchResponse is the wire shape of the CRM's record listing.
type batchResponse struct {
	Data []struct {
		ID         string            `json:"id"`
		Attributes map[string]string `json:"attributes"`
	} `json:"data"`
}

// FetchBatch retrieves the records matching the given criteria.
func (c *Client) FetchBatch(ctx context.Context, accessToken, criteria string) ([]model.RemoteRecord, error) {
	endpoint := c.baseURL + "/records"
	if criteria != "" {
		endpoint += "?criteria=" + url.QueryEscape(criteria)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &driven.RemoteError{Kind: driven.RemoteNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if err := remoteStatusError(resp.StatusCode); err != nil {
		return nil, err
	}

	var body batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	records := make([]model.RemoteRecord, 0, len(body.Data))
	for _, d := range body.Data {
		records = append(records, model.RemoteRecord{
			ExternalID: d.ID,
			Attributes: d.Attributes,
		})
	}
	return records, nil
}

// RefreshCredential exchanges the refresh secret for a new access secret
// using the oauth2 refresh-token grant.
func (c *Client) RefreshCredential(ctx context.Context, refreshSecret string) (driven.RefreshResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshSecret})
	tok, err := src.Token()
	if err != nil {
		return driven.RefreshResult{}, refreshError(err)
	}

	result := driven.RefreshResult{
		AccessToken:      tok.AccessToken,
		ExpiresInSeconds: int(time.Until(tok.Expiry).Seconds()),
		StatusCode:       http.StatusOK,
	}
	// The remote only rotates the refresh secret sometimes; report it only
	// when it actually changed.
	if tok.RefreshToken != "" && tok.RefreshToken != refreshSecret {
		result.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		result.Scopes = strings.Fields(scope)
	}
	return result, nil
}

// refreshError maps an oauth2 token retrieval failure to a RemoteError.
func refreshError(err error) *driven.RemoteError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.Response.StatusCode
		switch {
		case code == http.StatusUnauthorized || code == http.StatusBadRequest || code == http.StatusForbidden:
			return &driven.RemoteError{Kind: driven.RemoteAuthFailed, StatusCode: code, Message: retrieveErr.ErrorCode + " " + retrieveErr.ErrorDescription}
		case code == http.StatusTooManyRequests:
			return &driven.RemoteError{Kind: driven.RemoteRateLimited, StatusCode: code, Message: "token endpoint rate limited"}
		default:
			return &driven.RemoteError{Kind: driven.RemoteNetwork, StatusCode: code, Message: retrieveErr.Error()}
		}
	}
	return &driven.RemoteError{Kind: driven.RemoteNetwork, Message: err.Error()}
}

// remoteStatusError maps a non-2xx API response to a RemoteError, or nil
// for success codes.
func remoteStatusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &driven.RemoteError{Kind: driven.RemoteAuthFailed, StatusCode: code, Message: "access token rejected"}
	case code == http.StatusTooManyRequests:
		return &driven.RemoteError{Kind: driven.RemoteRateLimited, StatusCode: code, Message: "api rate limited"}
	default:
		return &driven.RemoteError{Kind: driven.RemoteNetwork, StatusCode: code, Message: fmt.Sprintf("unexpected status %d", code)}
	}
}
