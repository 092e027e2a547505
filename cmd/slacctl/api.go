package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Custom errors.
var (
	errNoPerm   = errors.New("current user lacks permissions to view this data")
	errInternal = errors.New("server error")
)

// Response defines the response model of the accounting API server.
type Response[T any] struct {
	Status   string   `json:"status"`
	Data     []T      `json:"data"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// makeRequest does an API request to the accounting server and returns the
// unpacked data.
func makeRequest[T any](ctx context.Context, serverURL, path, user string, urlValues url.Values, client *http.Client) ([]T, error) {
	reqURL, err := url.JoinPath(serverURL, path)
	if err != nil {
		return nil, err
	}

	// Make a new request
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-Acct-User", user)
	req.URL.RawQuery = urlValues.Encode()

	// Make request
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Any auth related status code should be treated as a permission failure
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, errNoPerm
	}

	// Read response body
	body, err := getBodyBytes(resp)
	if err != nil {
		return nil, err
	}

	// Unpack into data
	var data Response[T]
	if err = json.Unmarshal(body, &data); err != nil {
		return nil, err
	}

	// Check if Status is error
	if data.Status == "error" {
		if data.Error != "" {
			return nil, fmt.Errorf("%w: %s", errInternal, data.Error)
		}

		return nil, errInternal
	}

	return data.Data, nil
}

func getBodyBytes(res *http.Response) ([]byte, error) {
	if strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		reader, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, err
		}
		defer reader.Close()

		return io.ReadAll(reader)
	}

	return io.ReadAll(res.Body)
}
