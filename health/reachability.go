package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/GoCodeAlone/deployctl/retry"
	"github.com/itchyny/gojq"
)

const maxBody = 1 << 20

// resolveURL joins a check URL onto the target base. An absolute check URL
// wins; an empty one probes the base itself.
func resolveURL(base, ref string) (string, error) {
	if ref == "" {
		if base == "" {
			return "", fmt.Errorf("no url for reachability check")
		}
		return base, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return ref, nil
	}
	if base == "" {
		return "", fmt.Errorf("relative url %q without a target url", ref)
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", base, err)
	}
	if !strings.HasSuffix(b.Path, "/") && !strings.HasPrefix(ref, "/") {
		b.Path += "/"
	}
	return b.ResolveReference(u).String(), nil
}

func (c *Checker) reachability(ctx context.Context, chk Check, target Target) error {
	endpoint, err := resolveURL(target.URL, chk.URL)
	if err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", "deployctl-health")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read body from %s: %w", endpoint, err)
	}

	diag := map[string]any{"url": endpoint, "status": resp.StatusCode}
	if want := chk.Expected.Status; want != 0 {
		if resp.StatusCode != want {
			diag["body"] = truncate(string(body))
			return failf(diag, "GET %s returned %d, expected %d", endpoint, resp.StatusCode, want)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		diag["body"] = truncate(string(body))
		return failf(diag, "GET %s returned %d", endpoint, resp.StatusCode)
	}
	if chk.Expected.Contains != "" && !strings.Contains(string(body), chk.Expected.Contains) {
		diag["body"] = truncate(string(body))
		return failf(diag, "response from %s does not contain %q", endpoint, chk.Expected.Contains)
	}
	if chk.Expected.JQ != "" {
		ok, out, err := evalJQ(ctx, chk.Expected.JQ, body)
		diag["jq"] = chk.Expected.JQ
		diag["jq_result"] = out
		if err != nil {
			return failf(diag, "jq %q: %v", chk.Expected.JQ, err)
		}
		if !ok {
			return failf(diag, "jq %q is not truthy for response from %s", chk.Expected.JQ, endpoint)
		}
	}
	return nil
}

func compileJQ(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse jq %q: %w", src, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile jq %q: %w", src, err)
	}
	return code, nil
}

// evalJQ runs src over the JSON document and reports whether its first
// output is truthy (neither false nor null).
func evalJQ(ctx context.Context, src string, body []byte) (bool, any, error) {
	code, err := compileJQ(src)
	if err != nil {
		return false, nil, err
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, nil, fmt.Errorf("response is not JSON: %w", err)
	}
	iter := code.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return false, nil, nil
	}
	if err, isErr := v.(error); isErr {
		return false, nil, err
	}
	switch v {
	case nil, false:
		return false, v, nil
	}
	return true, v, nil
}
