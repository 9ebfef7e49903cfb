package views

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPPusherPostsPayload(t *testing.T) {
	var gotPayload Payload
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := HTTPPusher{
		URL:       srv.URL,
		Secret:    "s3cret",
		ChannelID: "chan-1",
		MessageID: "msg-1",
	}
	payload := Payload{RunID: 7, Title: "Run #7", Status: "live"}
	if err := p.Push(context.Background(), payload); err != nil {
		t.Fatalf("push: %v", err)
	}
	if gotPayload.RunID != 7 || gotPayload.Status != "live" {
		t.Fatalf("payload = %+v", gotPayload)
	}
	if gotHeaders.Get("X-Raidline-Run") != "7" {
		t.Fatalf("run header = %q", gotHeaders.Get("X-Raidline-Run"))
	}
	if gotHeaders.Get("X-Raidline-Channel") != "chan-1" || gotHeaders.Get("X-Raidline-Message") != "msg-1" {
		t.Fatalf("routing headers = %q/%q", gotHeaders.Get("X-Raidline-Channel"), gotHeaders.Get("X-Raidline-Message"))
	}
	if gotHeaders.Get("X-Raidline-Secret") != "s3cret" {
		t.Fatalf("secret header missing")
	}
}

func TestHTTPPusherNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "message gone", http.StatusNotFound)
	}))
	defer srv.Close()

	p := HTTPPusher{URL: srv.URL}
	if err := p.Push(context.Background(), Payload{RunID: 7}); err == nil {
		t.Fatalf("expected error on 404")
	}
}
