package asgi

import (
	"sort"
	"testing"

	"github.com/nggit/gotremolo"
	"github.com/nggit/gotremolo/header"
)

func TestHeaderPairsFlattensMultiValue(t *testing.T) {
	h := header.Header{"x-a": {"1", "2"}, "x-b": {"3"}}
	pairs := HeaderPairs(h)
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][1] < pairs[j][1] })
	want := [][2]string{{"x-a", "1"}, {"x-a", "2"}, {"x-b", "3"}}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("got %v want %v", pairs, want)
		}
	}
}

func TestHTTPScopeFields(t *testing.T) {
	req := &gotremolo.Request{
		Method:   "GET",
		Path:     "/widgets",
		RawQuery: "id=1",
		Version:  "1.1",
		Header:   header.Header{"accept": {"application/json"}},
	}

	scope := HTTPScope(req, "/api", "gotremolo", "1.2.3.4:5555", "10.0.0.1:80")
	if scope["type"] != "http" || scope["method"] != "GET" || scope["path"] != "/widgets" {
		t.Fatalf("got %+v", scope)
	}
	if scope["query_string"] != "id=1" || scope["root_path"] != "/api" {
		t.Fatalf("got %+v", scope)
	}
	if scope["client"] != "1.2.3.4:5555" || scope["server"] != "10.0.0.1:80" {
		t.Fatalf("got %+v", scope)
	}
	asgiInfo, ok := scope["asgi"].(Event)
	if !ok || asgiInfo["version"] != ASGIVersion || asgiInfo["spec_version"] != ASGISpecVersion {
		t.Fatalf("got %+v", scope["asgi"])
	}
	ext, ok := scope["extensions"].(Event)
	if !ok {
		t.Fatalf("got %+v", scope["extensions"])
	}
	if _, ok := ext["gotremolo.connection"]; !ok {
		t.Fatalf("got %+v, want a gotremolo.connection entry", ext)
	}
}

func TestWebSocketScopeCarriesSubprotocols(t *testing.T) {
	req := &gotremolo.Request{
		Version: "1.1",
		Path:    "/chat",
		Header:  header.Header{"sec-websocket-protocol": {"chat.v1", "chat.v2"}},
	}
	scope := WebSocketScope(req, "", "c:1", "s:1")
	if scope["type"] != "websocket" || scope["scheme"] != "ws" {
		t.Fatalf("got %+v", scope)
	}
	subs, ok := scope["subprotocols"].([]string)
	if !ok || len(subs) != 2 || subs[0] != "chat.v1" {
		t.Fatalf("got %+v", scope["subprotocols"])
	}
}
