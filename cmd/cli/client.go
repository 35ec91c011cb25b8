package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sketchbook/internal/api"
)

// Executions can run up to the server's max timeout.
var client = &http.Client{Timeout: 6 * time.Minute}

type apiError struct {
	Status int
	api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Message() == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d %s)", e.Message(), e.Status, e.Code)
}

func (e *apiError) Message() string { return e.ErrorResponse.Error }

func do(req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, &e.ErrorResponse)
		return body, e
	}
	return body, nil
}

func get(path string) ([]byte, error) {
	req, err := newRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return do(req)
}

// getJSON decodes the response into v and also returns the raw body.
func getJSON(path string, v any) ([]byte, error) {
	req, err := newRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return decodeInto(req, v)
}

func postJSON(path string, payload, v any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := newRequest(http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return decodeInto(req, v)
}

func decodeInto(req *http.Request, v any) ([]byte, error) {
	body, err := do(req)
	if body != nil {
		if derr := json.Unmarshal(body, v); derr != nil && err == nil {
			return body, fmt.Errorf("decoding response: %w", derr)
		}
	}
	return body, err
}
