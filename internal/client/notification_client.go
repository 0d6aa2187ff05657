package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NotificationClient hands allocation events to notification-service
type NotificationClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewNotificationClient creates a new notification service client
func NewNotificationClient(baseURL, internalKey string) *NotificationClient {
	return &NotificationClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AllocationNotice is the payload for a resource allocated to a client.
type AllocationNotice struct {
	ClientID     string `json:"client_id"`
	ResourceName string `json:"resource_name"`
	Event        string `json:"event"`
}

// NotifyAllocated tells the client that resourceName is now theirs.
func (c *NotificationClient) NotifyAllocated(ctx context.Context, clientID, resourceName string) error {
	url := fmt.Sprintf("%s/api/internal/notifications", c.baseURL)

	body, err := json.Marshal(&AllocationNotice{
		ClientID:     clientID,
		ResourceName: resourceName,
		Event:        "resource_allocated",
	})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification-service returned status %d", resp.StatusCode)
	}

	return nil
}
