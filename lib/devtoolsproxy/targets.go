package devtoolsproxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RewriteWebSocketURL replaces chromeHost with proxyHost in a DevTools target URL. It
// handles both direct websocket URLs ("ws://127.0.0.1:9223/devtools/page/...") and
// DevTools frontend URLs carrying the target as a ws= query parameter.
func RewriteWebSocketURL(urlStr, chromeHost, proxyHost string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}

	if parsed.Host == chromeHost {
		parsed.Host = proxyHost
	}

	if wsParam := parsed.Query().Get("ws"); wsParam != "" {
		if strings.HasPrefix(wsParam, chromeHost) {
			newWsParam := strings.Replace(wsParam, chromeHost, proxyHost, 1)
			q := parsed.Query()
			q.Set("ws", newWsParam)
			parsed.RawQuery = q.Encode()
		}
	}

	return parsed.String()
}

// RewriteJSONTargets rewrites webSocketDebuggerUrl/devtoolsFrontendUrl in a decoded
// Chrome /json (or /json/list) response so clients connect back through the proxy
// instead of directly to the upstream browser.
func RewriteJSONTargets(targets []map[string]interface{}, chromeHost, proxyHost string) {
	for i := range targets {
		if wsURL, ok := targets[i]["webSocketDebuggerUrl"].(string); ok {
			targets[i]["webSocketDebuggerUrl"] = RewriteWebSocketURL(wsURL, chromeHost, proxyHost)
		}
		if frontendURL, ok := targets[i]["devtoolsFrontendUrl"].(string); ok {
			targets[i]["devtoolsFrontendUrl"] = RewriteWebSocketURL(frontendURL, chromeHost, proxyHost)
		}
	}
}

// JSONTargetsHandler proxies Chrome's /json (and /json/list) endpoint, rewriting target
// URLs so Playwright-style clients connect back through mgr's proxy host.
func JSONTargetsHandler(mgr *UpstreamManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := mgr.Current()
		if current == "" {
			http.Error(w, "upstream not ready", http.StatusServiceUnavailable)
			return
		}

		parsed, err := url.Parse(current)
		if err != nil {
			http.Error(w, "invalid upstream URL", http.StatusInternalServerError)
			return
		}

		chromeJSONURL := fmt.Sprintf("http://%s/json", parsed.Host)
		resp, err := http.Get(chromeJSONURL)
		if err != nil {
			http.Error(w, "failed to fetch target list from browser", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			http.Error(w, fmt.Sprintf("browser returned status %d", resp.StatusCode), http.StatusBadGateway)
			return
		}

		var targets []map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
			http.Error(w, "failed to parse target list", http.StatusBadGateway)
			return
		}

		RewriteJSONTargets(targets, parsed.Host, r.Host)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(targets)
	})
}

// JSONVersionResponse builds the /json/version response body, pointing webSocketDebuggerUrl
// back at proxyAuthority so clients resolve their CDP websocket through the proxy rather
// than the upstream browser.
func JSONVersionResponse(proxyAuthority string) []byte {
	proxyWSURL := (&url.URL{Scheme: "ws", Host: proxyAuthority}).String()
	body, _ := json.Marshal(map[string]string{
		"webSocketDebuggerUrl": proxyWSURL,
	})
	return body
}

// JSONVersionHandler answers /json/version with a webSocketDebuggerUrl pointed back at
// this proxy's own host, so clients resolve their CDP websocket through the proxy.
func JSONVersionHandler(mgr *UpstreamManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mgr.Current() == "" {
			http.Error(w, "upstream not ready", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(JSONVersionResponse(r.Host))
	})
}
