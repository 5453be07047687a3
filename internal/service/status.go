package service

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// fetchStatus asks the running service's local status endpoint for its one
// line summary
func fetchStatus(port int) (string, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/recurring/status", port))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var status struct {
		Status  string `json:"status"`
		NextRun string `json:"next_run"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return "", err
	}

	line := status.Status
	if status.NextRun != "" {
		line += ", next run " + status.NextRun
	}
	return line, nil
}
