package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	units "github.com/docker/go-units"
	"github.com/opencontainers/go-digest"

	"github.com/nsheridan/imgpush/pkg/pusherr"
)

// HeadBlob checks whether repo already has a blob with the given digest
// (spec §4.5.1 step 1 / §4.5.2 step 1: the existence check that makes
// pushing the same layer into many images cheap). A 200 response means the
// blob exists; 404 means it does not; anything else is a network error.
func (c *Client) HeadBlob(ctx context.Context, repo string, dgst digest.Digest) (bool, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL, repo, dgst)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, pusherr.Network(err, "building HEAD request for %s", u)
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, pusherr.Network(err, "HEAD %s", u)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, pusherr.Network(nil, "HEAD %s: unexpected status %s", u, resp.Status)
	}
}

// initiateUpload starts a resumable blob upload for repo (spec §4.5.1 step
// 2) and returns the upload session URL from the Location header.
func (c *Client) initiateUpload(ctx context.Context, repo string) (string, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/uploads/", c.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", pusherr.Network(err, "building POST request for %s", u)
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", pusherr.Network(err, "POST %s", u)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", pusherr.Network(nil, "POST %s: expected 202, got %s", u, resp.Status)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", pusherr.Protocol(nil, "POST %s: response missing Location header", u)
	}
	return c.resolveLocation(loc), nil
}

// resolveLocation turns a possibly-relative Location header into an absolute
// URL against the registry's base.
func (c *Client) resolveLocation(loc string) string {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return loc
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	return base.ResolveReference(ref).String()
}

// PushBlob uploads the file at path as a blob of repo if the registry
// doesn't already have it (spec §4.5.1/§4.5.2). It returns skipped=true when
// the HEAD check found the blob already present, in which case no upload is
// attempted.
func (c *Client) PushBlob(ctx context.Context, repo, path string, dgst digest.Digest, size int64) (skipped bool, err error) {
	exists, err := c.HeadBlob(ctx, repo, dgst)
	if err != nil {
		return false, err
	}
	if exists {
		c.log.WithFields(map[string]any{"repo": repo, "digest": dgst}).Debug("blob already present, skipping upload")
		return true, nil
	}

	uploadURL, err := c.initiateUpload(ctx, repo)
	if err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, pusherr.IO(err, "opening blob %s", path)
	}
	defer f.Close()

	if err := c.chunkedUpload(ctx, uploadURL, f, size, dgst); err != nil {
		return false, err
	}
	return false, nil
}

// chunkedUpload drives the Starting→Uploading→Completing→Done state machine
// from spec §4.5.3. Chunks are sent as PATCH requests carrying a
// Content-Range header and the running byte offset; the upload URL is
// re-resolved after every PATCH in case the registry hands back a new
// Location (some implementations rotate the session URL per chunk). The
// final chunk is sent as a PUT with the digest as a query parameter, and the
// registry's returned Docker-Content-Digest is checked against dgst.
func (c *Client) chunkedUpload(ctx context.Context, uploadURL string, r io.Reader, size int64, dgst digest.Digest) error {
	buf := make([]byte, defaultChunkSize)
	var offset int64
	currentURL := uploadURL

	for offset < size {
		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return pusherr.IO(readErr, "reading chunk at offset %d", offset)
		}
		chunk := buf[:n]
		last := offset+int64(n) >= size

		if !last {
			next, err := c.patchChunk(ctx, currentURL, chunk, offset)
			if err != nil {
				return err
			}
			currentURL = next
			offset += int64(n)
			c.printProgress(offset, size)
			continue
		}

		serverDigest, err := c.putFinalChunk(ctx, currentURL, chunk, offset, dgst)
		if err != nil {
			return err
		}
		if serverDigest != "" && serverDigest != dgst.String() {
			return pusherr.DigestMismatch("upload of %s: registry reported digest %s", dgst, serverDigest)
		}
		offset += int64(n)
		c.printProgress(offset, size)
	}
	return nil
}

// printProgress writes a line-buffered percentage line to stdout while a
// blob uploads, restoring the original CLI's `--stream` behavior. It is a
// no-op unless streaming output was requested at construction.
func (c *Client) printProgress(uploaded, total int64) {
	if !c.stream || total == 0 {
		return
	}
	pct := float64(uploaded) / float64(total) * 100
	fmt.Printf("\ruploading... %.1f%% (%s / %s)", pct, units.HumanSize(float64(uploaded)), units.HumanSize(float64(total)))
	if uploaded >= total {
		fmt.Println()
	}
}

func (c *Client) patchChunk(ctx context.Context, uploadURL string, chunk []byte, offset int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return "", pusherr.Network(err, "building PATCH request for %s", uploadURL)
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, offset+int64(len(chunk))-1))
	req.ContentLength = int64(len(chunk))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", pusherr.Network(err, "PATCH %s", uploadURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", pusherr.Network(nil, "PATCH %s: expected 202, got %s", uploadURL, resp.Status)
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		return c.resolveLocation(loc), nil
	}
	return uploadURL, nil
}

func (c *Client) putFinalChunk(ctx context.Context, uploadURL string, chunk []byte, offset int64, dgst digest.Digest) (string, error) {
	finalURL, err := addDigestParam(uploadURL, dgst)
	if err != nil {
		return "", pusherr.Protocol(err, "building final upload URL from %s", uploadURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, finalURL, bytes.NewReader(chunk))
	if err != nil {
		return "", pusherr.Network(err, "building PUT request for %s", finalURL)
	}
	c.setAuth(req)
	if len(chunk) > 0 {
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, offset+int64(len(chunk))-1))
	}
	req.ContentLength = int64(len(chunk))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", pusherr.Network(err, "PUT %s", finalURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", pusherr.Network(nil, "PUT %s: expected 201, got %s", finalURL, resp.Status)
	}
	return resp.Header.Get("Docker-Content-Digest"), nil
}

// addDigestParam appends the "digest" query parameter to an upload URL,
// preserving any parameters the registry's Location already carried (most
// implementations include a session uuid).
func addDigestParam(rawURL string, dgst digest.Digest) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("digest", dgst.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
