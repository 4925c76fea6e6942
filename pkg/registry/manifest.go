package registry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/nsheridan/imgpush/pkg/pusherr"
)

// PushManifest PUTs manifest bytes to repo under tag (spec §4.5.4), after
// both the config and every layer it references have been pushed. A
// successful push expects a 201 response.
func (c *Client) PushManifest(ctx context.Context, repo, tag string, manifest []byte, contentType string) error {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, repo, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(manifest))
	if err != nil {
		return pusherr.Network(err, "building PUT request for %s", u)
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(manifest))

	resp, err := c.http.Do(req)
	if err != nil {
		return pusherr.Network(err, "PUT %s", u)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return pusherr.Network(nil, "PUT %s: expected 201, got %s", u, resp.Status)
	}

	c.log.WithFields(map[string]any{"repo": repo, "tag": tag}).Info("pushed manifest")
	return nil
}
