// Package search wraps the SerpAPI collaborator used for URL discovery.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	apiKey      string
	baseURL     string
	engine      string
	countryCode string
	language    string
	httpClient  *http.Client
}

func NewClient(apiKey, baseURL, engine, countryCode, language string, timeout time.Duration) *Client {
	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		engine:      engine,
		countryCode: countryCode,
		language:    language,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	OrganicResults []searchResult `json:"organic_results"`
	NewsResults    []searchResult `json:"news_results"`
}

type searchResult struct {
	Link string `json:"link"`
}

// TopURLs returns up to topN result URLs, deduplicated and order-preserving.
func (c *Client) TopURLs(ctx context.Context, query string, topN int) ([]string, error) {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("engine", c.engine)
	params.Set("q", query)
	params.Set("gl", c.countryCode)
	params.Set("hl", c.language)
	params.Set("num", strconv.Itoa(topN))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling search api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search api returned status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	urls := make([]string, 0, topN)
	for _, r := range body.OrganicResults {
		if r.Link != "" {
			urls = append(urls, r.Link)
		}
		if len(urls) >= topN {
			break
		}
	}
	// news results fill the remainder when organic ones run short
	if len(urls) < topN {
		for _, r := range body.NewsResults {
			if r.Link != "" {
				urls = append(urls, r.Link)
			}
			if len(urls) >= topN {
				break
			}
		}
	}

	seen := make(map[string]struct{}, len(urls))
	deduped := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		deduped = append(deduped, u)
	}

	if len(deduped) > topN {
		deduped = deduped[:topN]
	}
	return deduped, nil
}
