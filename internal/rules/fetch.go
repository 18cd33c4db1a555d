package rules

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
)

// NewHTTPClient returns a retrying client with logging disabled.
func NewHTTPClient(retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.Logger = nil
	return client
}

// Fetch downloads a rule table. YAML is chosen when the response content
// type or the URL says so; anything else is parsed as JSON.
func Fetch(ctx context.Context, client *retryablehttp.Client, url string) (*Table, error) {
	if client == nil {
		client = NewHTTPClient(3)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRuleFetchFailed, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRuleFetchFailed, "failed to fetch rule table", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Wrap(apperrors.ErrRuleFetchFailed, "failed to fetch rule table",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	format := FormatFromPath(url)
	if strings.Contains(resp.Header.Get("Content-Type"), "yaml") {
		format = FormatYAML
	}
	return Load(resp.Body, format)
}
