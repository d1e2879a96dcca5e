package rideworker

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Classifier maps an outgoing request to a RequestClass. Classification is a
// pure function of method and URL so tests can enumerate inputs.
type Classifier struct {
	extensions map[string]struct{}
	shellPaths map[string]struct{}
	cdnHosts   map[string]struct{}
	apiPrefix  string
	warmPaths  map[string]struct{}
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		extensions: toSet(cfg.Static.Extensions),
		shellPaths: toSet(cfg.Static.ShellPaths),
		cdnHosts:   toSet(cfg.Static.CDNHosts),
		apiPrefix:  cfg.API.Prefix,
		warmPaths:  toSet(cfg.API.WarmPaths),
	}
}

func toSet(vs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// Classify never panics and defaults to ClassOther. Priority order: bypass
// checks, then static-asset rules, then API rules.
func (c *Classifier) Classify(method string, u *url.URL) RequestClass {
	if u == nil {
		return ClassOther
	}
	if method != "" && method != http.MethodGet {
		return ClassBypass
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return ClassBypass
	}

	p := strings.ToLower(u.Path)
	if p == "" {
		p = "/"
	}

	if _, ok := c.extensions[path.Ext(p)]; ok {
		return ClassStaticAsset
	}
	if _, ok := c.shellPaths[p]; ok {
		return ClassStaticAsset
	}
	if _, ok := c.cdnHosts[strings.ToLower(u.Hostname())]; ok {
		return ClassStaticAsset
	}

	if strings.HasPrefix(p, c.apiPrefix) {
		return ClassAPICall
	}
	if _, ok := c.warmPaths[p]; ok {
		return ClassAPICall
	}

	return ClassOther
}
