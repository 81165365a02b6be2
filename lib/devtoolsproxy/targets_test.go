package devtoolsproxy

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRewriteWebSocketURL_DirectHostMatch(t *testing.T) {
	got := RewriteWebSocketURL("ws://127.0.0.1:9223/devtools/page/ABC", "127.0.0.1:9223", "127.0.0.1:9222")
	want := "ws://127.0.0.1:9222/devtools/page/ABC"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRewriteWebSocketURL_WsQueryParam(t *testing.T) {
	in := "https://chrome-devtools-frontend.appspot.com/inspector.html?ws=127.0.0.1:9223/devtools/page/ABC"
	got := RewriteWebSocketURL(in, "127.0.0.1:9223", "127.0.0.1:9222")
	if !strings.Contains(got, "ws=127.0.0.1%3A9222") && !strings.Contains(got, "ws=127.0.0.1:9222") {
		t.Fatalf("expected rewritten ws param, got %q", got)
	}
}

func TestRewriteWebSocketURL_NoMatchLeavesUnchanged(t *testing.T) {
	in := "ws://10.0.0.1:1234/devtools/page/ABC"
	got := RewriteWebSocketURL(in, "127.0.0.1:9223", "127.0.0.1:9222")
	if got != in {
		t.Fatalf("expected unchanged URL, got %q", got)
	}
}

func TestJSONVersionResponse(t *testing.T) {
	body := JSONVersionResponse("127.0.0.1:9222")

	var decoded map[string]string
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	want := "ws://127.0.0.1:9222"
	if decoded["webSocketDebuggerUrl"] != want {
		t.Fatalf("got %q, want %q", decoded["webSocketDebuggerUrl"], want)
	}
}

func TestRewriteJSONTargets(t *testing.T) {
	targets := []map[string]interface{}{
		{
			"webSocketDebuggerUrl": "ws://127.0.0.1:9223/devtools/page/1",
			"devtoolsFrontendUrl":  "https://example.com/inspector.html?ws=127.0.0.1:9223/devtools/page/1",
		},
	}
	RewriteJSONTargets(targets, "127.0.0.1:9223", "127.0.0.1:9222")

	if targets[0]["webSocketDebuggerUrl"] != "ws://127.0.0.1:9222/devtools/page/1" {
		t.Fatalf("webSocketDebuggerUrl not rewritten: %v", targets[0]["webSocketDebuggerUrl"])
	}
}
