package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type apiError struct {
	Status  int
	Message string
	Field   string
}

var apiCall = callAPI

var httpClient = &http.Client{Timeout: 30 * time.Second}

func callAPI(method, path string, body interface{}) (json.RawMessage, *apiError, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiEndpoint, "/")+path, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		_ = json.Unmarshal(raw, &payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &apiError{Status: resp.StatusCode, Message: payload.Error, Field: payload.Field}, nil
	}
	return json.RawMessage(raw), nil, nil
}

func handleAPIResult(stdout, stderr io.Writer, result json.RawMessage, apiErr *apiError, err error) int {
	if err != nil {
		fmt.Fprintf(stderr, "API call failed: %v\n", err)
		return 1
	}
	if apiErr != nil {
		if apiErr.Field != "" {
			fmt.Fprintf(stderr, "API error %d (%s): %s\n", apiErr.Status, apiErr.Field, apiErr.Message)
		} else {
			fmt.Fprintf(stderr, "API error %d: %s\n", apiErr.Status, apiErr.Message)
		}
		return 1
	}
	if len(result) == 0 {
		fmt.Fprintln(stdout, "null")
		return 0
	}
	if _, err := stdout.Write(result); err == nil && result[len(result)-1] != '\n' {
		fmt.Fprintln(stdout)
	}
	return 0
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}
