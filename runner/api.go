package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	pc "github.com/nevindra/pipelinecore"
)

// APIRunner resolves variables into an outbound HTTP call and reports
// status, headers, and response body, driven by typed step config rather
// than an agent tool call.
type APIRunner struct{}

func (APIRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error) {
	if svc.HTTPClient == nil {
		return nil, fmt.Errorf("api runner: no HTTPClient configured")
	}
	rawURL, _ := configString(config, "url")
	if u, ok := inputs["url"].(string); ok && u != "" {
		rawURL = u
	}
	method, _ := configString(config, "method")
	if method == "" {
		method = "GET"
	}

	headers := configStringMap(config, "headers")
	if h, ok := inputs["headers"].(map[string]any); ok {
		if headers == nil {
			headers = make(map[string]string)
		}
		for k, v := range h {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}

	headers, err := applyAuth(config, headers, svc, ctx)
	if err != nil {
		return nil, err
	}

	var body []byte
	if b, ok := inputs["body"]; ok {
		body, _ = json.Marshal(b)
	} else if b, ok := config["body"]; ok {
		body, _ = json.Marshal(b)
	}

	timeout := time.Duration(configFloat(config, "timeout_ms", 30000)) * time.Millisecond
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := svc.HTTPClient.Do(reqCtx, pc.HTTPRequest{
		Method:  strings.ToUpper(method),
		URL:     rawURL,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, &pc.HTTPError{Network: true, Body: err.Error()}
	}
	if resp.Status >= 400 {
		return nil, &pc.HTTPError{Status: resp.Status, Body: string(resp.Body)}
	}

	out := map[string]any{
		"status":  float64(resp.Status),
		"headers": headerMapToAny(resp.Headers),
	}

	contentType := resp.Headers["Content-Type"]
	switch {
	case strings.Contains(contentType, "application/json"):
		var parsed any
		if json.Unmarshal(resp.Body, &parsed) == nil {
			out["response"] = parsed
		} else {
			out["response"] = string(resp.Body)
		}
	case strings.Contains(contentType, "text/html") && configBool(config, "extract_readable"):
		parsedURL, _ := url.Parse(rawURL)
		article, rerr := readability.FromReader(strings.NewReader(string(resp.Body)), parsedURL)
		respMap := map[string]any{"html": string(resp.Body)}
		if rerr == nil && article.TextContent != "" {
			respMap["text"] = strings.TrimSpace(article.TextContent)
		}
		out["response"] = respMap
	default:
		out["response"] = string(resp.Body)
	}

	return out, nil
}

func applyAuth(config map[string]any, headers map[string]string, svc Services, ctx context.Context) (map[string]string, error) {
	authCfg, ok := config["auth"].(map[string]any)
	if !ok {
		return headers, nil
	}
	kind, _ := authCfg["type"].(string)
	if kind == "" || kind == "none" {
		return headers, nil
	}
	if headers == nil {
		headers = make(map[string]string)
	}
	ref, _ := authCfg["credential"].(string)
	var secret string
	if ref != "" && svc.Credentials != nil {
		var err error
		secret, err = svc.Credentials.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("api runner: resolving credential %q: %w", ref, err)
		}
	}
	switch kind {
	case "bearer":
		headers["Authorization"] = "Bearer " + secret
	case "basic":
		headers["Authorization"] = "Basic " + secret
	case "api_key":
		name, _ := authCfg["header"].(string)
		if name == "" {
			name = "X-API-Key"
		}
		headers[name] = secret
	}
	return headers, nil
}

func headerMapToAny(h map[string]string) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
