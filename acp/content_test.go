package acp

import (
	"encoding/json"
	"testing"
)

func TestContentBlockDecoding(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"text", `{"type":"text","text":"hi"}`, false},
		{"image data", `{"type":"image","mimeType":"image/png","data":"aGk="}`, false},
		{"image uri", `{"type":"image","mimeType":"image/png","uri":"file:///a.png"}`, false},
		{"image both", `{"type":"image","mimeType":"image/png","data":"aGk=","uri":"file:///a.png"}`, true},
		{"image neither", `{"type":"image","mimeType":"image/png"}`, true},
		{"image no mime", `{"type":"image","data":"aGk="}`, true},
		{"resource link", `{"type":"resource_link","uri":"file:///a.go","name":"a.go"}`, false},
		{"resource link no uri", `{"type":"resource_link"}`, true},
		{"text resource", `{"type":"resource","resource":{"uri":"file:///a","text":""}}`, false},
		{"blob resource", `{"type":"resource","resource":{"uri":"file:///a","blob":"AA==","mimeType":"application/octet-stream"}}`, false},
		{"blob without mime", `{"type":"resource","resource":{"blob":"AA=="}}`, true},
		{"resource text and blob", `{"type":"resource","resource":{"text":"a","blob":"AA==","mimeType":"x/y"}}`, true},
		{"resource missing", `{"type":"resource"}`, true},
		{"unknown", `{"type":"audio","data":"AA=="}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b ContentBlock
			err := json.Unmarshal([]byte(tt.in), &b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestContentBlockConstructorsValidate(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock(""),
		ImageBlock("image/png", "aGk="),
		ImageURIBlock("image/png", "https://example.com/a.png"),
		ResourceLinkBlock("file:///tmp/a"),
		TextResourceBlock("file:///tmp/a", "body"),
		BlobResourceBlock("file:///tmp/a", "application/pdf", "JVBERi0="),
	}
	for _, b := range blocks {
		if _, err := json.Marshal(b); err != nil {
			t.Errorf("Marshal(%s) failed: %v", b.Type, err)
		}
	}
	if _, err := json.Marshal(ContentBlock{Type: ContentImage}); err == nil {
		t.Error("expected an invalid image block to fail encoding")
	}
}

func TestJoinTextSkipsNonText(t *testing.T) {
	got := JoinText([]ContentBlock{
		TextBlock("a"),
		ResourceLinkBlock("file:///x"),
		TextBlock("b"),
	})
	if got != "ab" {
		t.Errorf("JoinText = %q, want %q", got, "ab")
	}
}
