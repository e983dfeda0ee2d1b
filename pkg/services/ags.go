// pkg/services/ags.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mind-engage/lti-tool/pkg/storage"
	"github.com/mind-engage/lti-tool/pkg/tool"
)

/*
Assignment & Grade Services (AGS 2.0) client.

Built from a validated launch session: the session's AGS block carries the
lineitems URL and the scopes the platform granted, the session's platform
block identifies the registration the token broker mints Bearer tokens
for. Each call fetches a fresh token for the narrowest granted scope.
*/

// AGS scope URIs.
const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadonly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultReadonly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// ErrNotAvailable is returned when the launch did not assert the service
// the client was built for.
var ErrNotAvailable = errors.New("services: not offered by this launch")

// TokenSource mints platform access tokens for a registration. *tool.Tool
// satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context, iss, clientID, deploymentID string, scopes ...string) (tool.AccessTokenResponse, error)
}

// LineItem is a gradebook column (IMS AGS 2.0, trimmed to the fields we use).
type LineItem struct {
	ID             string  `json:"id,omitempty"` // absolute URL for this line item
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`
	Label          string  `json:"label,omitempty"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"` // RFC3339
	EndDateTime    string  `json:"endDateTime,omitempty"`   // RFC3339
}

// Score is a grade pushed to a line item's scores endpoint.
type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"` // RFC3339
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"`
	ActivityProgress string   `json:"activityProgress"` // Initialized|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`  // NotReady|Pending|Failed|PendingManual|FullyGraded
	Comment          string   `json:"comment,omitempty"`
}

// Result is the platform's stored outcome for one user on one line item.
type Result struct {
	ID            string   `json:"id,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
}

// AGSClient talks to one platform's AGS endpoints on behalf of one launch.
type AGSClient struct {
	HTTP   *http.Client
	Tokens TokenSource

	// Registration identity for token minting.
	Issuer       string
	ClientID     string
	DeploymentID string

	// From the launch claim.
	LineItemsURL string
	Scopes       []string
}

// NewAGS builds an AGS client from a validated session. Returns
// ErrNotAvailable when the launch carried no AGS endpoint claim.
func NewAGS(tokens TokenSource, sess storage.Session) (*AGSClient, error) {
	if sess.Services.AGS == nil {
		return nil, ErrNotAvailable
	}
	return &AGSClient{
		HTTP:         &http.Client{Timeout: 15 * time.Second},
		Tokens:       tokens,
		Issuer:       sess.Platform.Issuer,
		ClientID:     sess.Platform.ClientID,
		DeploymentID: sess.Platform.DeploymentID,
		LineItemsURL: sess.Services.AGS.LineItems,
		Scopes:       sess.Services.AGS.Scopes,
	}, nil
}

// CreateLineItem POSTs a new line item and returns the created item.
func (c *AGSClient) CreateLineItem(ctx context.Context, li LineItem) (LineItem, error) {
	if c.LineItemsURL == "" {
		return LineItem{}, errors.New("ags: missing lineitems URL")
	}
	if li.ScoreMaximum <= 0 {
		return LineItem{}, errors.New("ags: scoreMaximum required and > 0")
	}
	tok, err := c.token(ctx, ScopeLineItem)
	if err != nil {
		return LineItem{}, err
	}
	body, _ := json.Marshal(li)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.LineItemsURL, bytes.NewReader(body))
	if err != nil {
		return LineItem{}, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return LineItem{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return LineItem{}, httpErr("create line item", resp)
	}
	var out LineItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LineItem{}, err
	}
	return out, nil
}

// ListLineItems GETs line items, optionally filtered by resourceId and
// resourceLinkId.
func (c *AGSClient) ListLineItems(ctx context.Context, resourceID, resourceLinkID string, limit, page int) ([]LineItem, error) {
	if c.LineItemsURL == "" {
		return nil, errors.New("ags: missing lineitems URL")
	}
	tok, err := c.token(ctx, ScopeLineItemReadonly, ScopeLineItem)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(c.LineItemsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if resourceID != "" {
		q.Set("resource_id", resourceID)
	}
	if resourceLinkID != "" {
		q.Set("resource_link_id", resourceLinkID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.lineitemcontainer+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpErr("list line items", resp)
	}
	var out []LineItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteLineItem removes a line item by its absolute URL.
func (c *AGSClient) DeleteLineItem(ctx context.Context, lineItemURL string) error {
	if lineItemURL == "" {
		return errors.New("ags: lineItemURL required")
	}
	tok, err := c.token(ctx, ScopeLineItem)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, lineItemURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return httpErr("delete line item", resp)
	}
	return nil
}

// PostScore upserts a score at "{lineItemURL}/scores". Empty progress
// fields default to a fully graded, completed attempt.
func (c *AGSClient) PostScore(ctx context.Context, lineItemURL string, s Score) error {
	if lineItemURL == "" {
		return errors.New("ags: lineItemURL required")
	}
	if s.UserID == "" {
		return errors.New("ags: score.userId required")
	}
	if s.Timestamp == "" {
		s.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if s.ActivityProgress == "" {
		s.ActivityProgress = "Completed"
	}
	if s.GradingProgress == "" {
		s.GradingProgress = "FullyGraded"
	}
	tok, err := c.token(ctx, ScopeScore)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(s)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, scoresURL(lineItemURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v1.score+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return httpErr("post score", resp)
	}
	return nil
}

// GetResults reads results for a line item, optionally filtered by userId.
func (c *AGSClient) GetResults(ctx context.Context, lineItemURL, userID string, limit, page int) ([]Result, error) {
	if lineItemURL == "" {
		return nil, errors.New("ags: lineItemURL required")
	}
	tok, err := c.token(ctx, ScopeResultReadonly)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimRight(lineItemURL, "/") + "/results")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if userID != "" {
		q.Set("user_id", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.resultcontainer+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpErr("get results", resp)
	}
	var out []Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// token mints a Bearer token for the first preferred scope the platform
// granted at launch. Some platforms ignore scope for client_credentials,
// so an empty intersection still asks with no scope rather than failing.
func (c *AGSClient) token(ctx context.Context, preferred ...string) (string, error) {
	scopes := intersectScopes(c.Scopes, preferred)
	resp, err := c.Tokens.AccessToken(ctx, c.Issuer, c.ClientID, c.DeploymentID, scopes...)
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

func intersectScopes(granted, preferred []string) []string {
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, want := range preferred {
		if _, ok := set[want]; ok {
			return []string{want}
		}
	}
	return nil
}

// scoresURL appends the scores container path, keeping any query string
// the platform put on the line item URL (Moodle does this).
func scoresURL(lineItemURL string) string {
	u, err := url.Parse(lineItemURL)
	if err != nil {
		return strings.TrimRight(lineItemURL, "/") + "/scores"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/scores"
	return u.String()
}

func httpErr(op string, resp *http.Response) error {
	return fmt.Errorf("%s: platform returned %s", op, resp.Status)
}
