package delivery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// BulkLoaderNotifier asks the bulk loader to rebuild a profile. Higher
// priorities preempt lower ones in the loader's queue.
type BulkLoaderNotifier struct {
	client    *Client
	baseURL   string
	builderID string
	token     string
}

// NewBulkLoaderNotifier creates a notifier posting through client.
func NewBulkLoaderNotifier(client *Client, baseURL, profileBuilderID, token string) *BulkLoaderNotifier {
	return &BulkLoaderNotifier{
		client:    client,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		builderID: profileBuilderID,
		token:     token,
	}
}

// Notify posts {base}/profiles/{builderId}/{priority}?profileId=... and
// expects 200. The error is not wrapped retryable.
func (n *BulkLoaderNotifier) Notify(ctx context.Context, profileID string, priority int) error {
	target := fmt.Sprintf("%s/profiles/%s/%s?profileId=%s",
		n.baseURL, url.PathEscape(n.builderID), strconv.Itoa(priority), url.QueryEscape(profileID))
	headers := map[string]string{}
	if n.token != "" {
		headers["Authorization"] = "Bearer " + n.token
	}
	if err := n.client.send(ctx, http.MethodPost, target, headers, nil); err != nil {
		return fmt.Errorf("notify bulk loader: %w", err)
	}
	return nil
}
