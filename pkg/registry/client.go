// Package registry speaks the Docker Registry HTTP API v2 wire protocol
// directly: HEAD for blob existence, POST to start an upload, chunked
// PATCH/PUT to complete it, and PUT for manifests (spec §4.5). The protocol
// is hand-rolled against net/http rather than delegated to a registry
// client library, since the chunked-upload state machine and its
// digest-verification semantics are the engineering surface this component
// exists to implement.
package registry

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/nsheridan/imgpush/pkg/logging"
)

// Config configures a Client at construction time.
type Config struct {
	RegistryURL string
	Login       string
	Password    string
	SSLVerify   bool
	Stream      bool

	// ReplaceTagsMatch and ReplaceTagsTarget implement spec §4.5.5: a tag
	// matching ReplaceTagsMatch (anchored at the start) is rewritten to
	// ReplaceTagsTarget for the manifest push; the upload itself is
	// unaffected.
	ReplaceTagsMatch  string
	ReplaceTagsTarget string
}

// Client is safe for concurrent use by multiple workers; the only
// synchronization it needs beyond net/http's own is the caller's layer
// lock table (pkg/layerlock), which gates the whole per-blob sequence.
type Client struct {
	http        *http.Client
	baseURL     string
	login       string
	password    string
	basicAuth   bool
	stream      bool
	replaceTags *regexp.Regexp
	replaceWith string
	log         *logging.Entry
}

// New builds a registry client. If registryURL lacks a scheme, "http://" is
// prepended (spec §4.5). Basic auth is enabled iff login is non-empty.
func New(cfg Config, log *logging.Entry) (*Client, error) {
	registryURL := cfg.RegistryURL
	if !strings.HasPrefix(registryURL, "http://") && !strings.HasPrefix(registryURL, "https://") {
		registryURL = "http://" + registryURL
	}

	var replaceTags *regexp.Regexp
	if cfg.ReplaceTagsMatch != "" && cfg.ReplaceTagsTarget != "" {
		re, err := regexp.Compile(cfg.ReplaceTagsMatch)
		if err != nil {
			return nil, fmt.Errorf("compiling --replace-tags-match %q: %w", cfg.ReplaceTagsMatch, err)
		}
		replaceTags = re
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.SSLVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	c := &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   0, // no core-imposed timeout, per spec §5
		},
		baseURL:     registryURL,
		login:       cfg.Login,
		password:    cfg.Password,
		basicAuth:   cfg.Login != "",
		stream:      cfg.Stream,
		replaceTags: replaceTags,
		replaceWith: cfg.ReplaceTagsTarget,
		log:         log.WithField("component", "registry"),
	}

	c.log.WithFields(map[string]any{
		"registry_url": c.baseURL,
		"login":        c.login,
		"ssl_verify":   cfg.SSLVerify,
		"stream":       c.stream,
	}).Debug("initialized registry client")

	return c, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.basicAuth {
		req.SetBasicAuth(c.login, c.password)
	}
}

// ReplaceTag applies spec §4.5.5's tag-rewrite rule: if ReplaceTagsMatch is
// configured and matches tag at its start, the rewritten target tag is
// returned; otherwise tag is returned unchanged.
func (c *Client) ReplaceTag(image, tag string) string {
	if c.replaceTags == nil {
		return tag
	}
	if c.replaceTags.MatchString(tag) && c.replaceTags.FindStringIndex(tag)[0] == 0 {
		c.log.WithFields(map[string]any{
			"image":    image,
			"orig_tag": tag,
			"new_tag":  c.replaceWith,
		}).Info("replacing tag for image")
		return c.replaceWith
	}
	c.log.WithFields(map[string]any{
		"image":    image,
		"orig_tag": tag,
	}).Debug("replace tag match given but did not match")
	return tag
}

const defaultChunkSize = 2 * 1024 * 1024 // 2 MiB, per spec §4.5.3
