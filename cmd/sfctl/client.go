package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Client is an HTTP client for the secretflow API.
type Client struct {
	addr  string
	token string
	http  *http.Client
}

// newClient creates a Client from the current config.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("SECRETFLOW_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("SECRETFLOW_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("SECRETFLOW_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	return &Client{addr: addr, token: token, http: httpClient}
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.http.Do(req)
}

func (c *Client) call(method, path string, body any) (map[string]any, error) {
	resp, err := c.do(method, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) get(path string) (map[string]any, error) { return c.call("GET", path, nil) }

func (c *Client) post(path string, body any) (map[string]any, error) { return c.call("POST", path, body) }

func (c *Client) put(path string, body any) (map[string]any, error) { return c.call("PUT", path, body) }

func (c *Client) patch(path string, body any) (map[string]any, error) {
	return c.call("PATCH", path, body)
}

func (c *Client) delete(path string) (map[string]any, error) { return c.call("DELETE", path, nil) }

// raw returns the body of a non-JSON endpoint.
func (c *Client) raw(path string) (string, error) {
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", apiError(resp.StatusCode, data)
	}
	return string(data), nil
}

func apiError(status int, data []byte) error {
	var result struct {
		Errors []string `json:"errors"`
		Code   string   `json:"code"`
	}
	if err := json.Unmarshal(data, &result); err != nil || len(result.Errors) == 0 {
		return fmt.Errorf("HTTP %d", status)
	}
	if result.Code != "" {
		return fmt.Errorf("%s (%s)", result.Errors[0], result.Code)
	}
	return fmt.Errorf("%s", result.Errors[0])
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, data)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode == http.StatusAccepted {
		result["pending_review"] = true
	}
	return result, nil
}
