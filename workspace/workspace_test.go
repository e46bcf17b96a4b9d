package workspace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/errors"
)

func newTestFS(t *testing.T) (*FS, string) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"main.go":                "line1\nline2\nline3\nline4\n",
		".acpclient/config.yaml": "secret",
		"vendor/lib/lib.go":      "package lib\n",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
	}
	fs, err := New(root, config.FilesystemAccess{
		Hidden:   []string{".acpclient", ".acpclient/**"},
		ReadOnly: []string{"vendor/**"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return fs, root
}

func TestReadTextFile(t *testing.T) {
	fs, root := newTestFS(t)
	tests := []struct {
		name        string
		path        string
		line, limit int
		want        string
		wantErr     error
	}{
		{"whole file", filepath.Join(root, "main.go"), 0, 0, "line1\nline2\nline3\nline4\n", nil},
		{"relative path", "main.go", 0, 0, "line1\nline2\nline3\nline4\n", nil},
		{"from line", filepath.Join(root, "main.go"), 3, 0, "line3\nline4\n", nil},
		{"window", filepath.Join(root, "main.go"), 2, 2, "line2\nline3\n", nil},
		{"past end", filepath.Join(root, "main.go"), 50, 0, "", nil},
		{"hidden", filepath.Join(root, ".acpclient", "config.yaml"), 0, 0, "", ErrAccessDenied},
		{"outside root", filepath.Join(root, "..", "elsewhere.txt"), 0, 0, "", ErrAccessDenied},
		{"missing", filepath.Join(root, "nope.go"), 0, 0, "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fs.ReadTextFile(tt.path, tt.line, tt.limit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadTextFile failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteTextFile(t *testing.T) {
	fs, root := newTestFS(t)

	target := filepath.Join(root, "pkg", "new.go")
	if err := fs.WriteTextFile(target, "package pkg\n"); err != nil {
		t.Fatalf("WriteTextFile failed: %v", err)
	}
	if data, _ := os.ReadFile(target); string(data) != "package pkg\n" {
		t.Errorf("file contents = %q", data)
	}

	if err := fs.WriteTextFile(filepath.Join(root, "vendor", "lib", "lib.go"), "x"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("write to read-only path: err = %v", err)
	}
	if err := fs.WriteTextFile(filepath.Join(root, ".acpclient", "config.yaml"), "x"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("write to hidden path: err = %v", err)
	}
}

func TestSymlinksCannotLeaveWorkspace(t *testing.T) {
	fs, root := newTestFS(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	links := map[string]string{
		"escape":   outside,
		"file":     filepath.Join(outside, "secret.txt"),
		"dangling": filepath.Join(outside, "created.txt"),
		"peek":     filepath.Join(root, ".acpclient"),
		"alias.go": filepath.Join(root, "main.go"),
	}
	for name, dest := range links {
		if err := os.Symlink(dest, filepath.Join(root, name)); err != nil {
			t.Skipf("symlinks not supported: %v", err)
		}
	}

	for _, path := range []string{"escape/secret.txt", "file", "peek/config.yaml"} {
		if _, err := fs.ReadTextFile(path, 0, 0); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("read %s: err = %v, want access denied", path, err)
		}
	}
	for _, path := range []string{"escape/new.txt", "dangling", "file"} {
		if err := fs.WriteTextFile(path, "x"); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("write %s: err = %v, want access denied", path, err)
		}
	}
	for _, name := range []string{"new.txt", "created.txt"} {
		if _, err := os.Stat(filepath.Join(outside, name)); !os.IsNotExist(err) {
			t.Errorf("%s was created outside the workspace", name)
		}
	}
	if data, _ := os.ReadFile(filepath.Join(outside, "secret.txt")); string(data) != "secret" {
		t.Errorf("outside file modified: %q", data)
	}

	got, err := fs.ReadTextFile("alias.go", 1, 1)
	if err != nil || got != "line1\n" {
		t.Errorf("link inside the workspace: got %q, err %v", got, err)
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	if _, err := New(t.TempDir(), config.FilesystemAccess{Hidden: []string{"[unclosed"}}); err == nil {
		t.Fatal("expected an invalid pattern error")
	}
}

func TestHandlerFileRequests(t *testing.T) {
	fs, root := newTestFS(t)
	h := NewHandler(fs, config.Permissions{}, nil)
	ctx := context.Background()

	params, _ := json.Marshal(acp.ReadTextFileRequest{SessionID: "s", Path: filepath.Join(root, "main.go")})
	res, err := h.HandleRequest(ctx, acp.MethodFSReadTextFile, params)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if r, ok := res.(acp.ReadTextFileResponse); !ok || r.Content == "" {
		t.Errorf("unexpected read result: %#v", res)
	}

	params, _ = json.Marshal(acp.ReadTextFileRequest{SessionID: "s", Path: filepath.Join(root, "nope")})
	_, err = h.HandleRequest(ctx, acp.MethodFSReadTextFile, params)
	var agentErr *acp.Error
	if !errors.As(err, &agentErr) || agentErr.Code != acp.CodeResourceNotFound {
		t.Errorf("missing file: err = %v", err)
	}

	params, _ = json.Marshal(acp.WriteTextFileRequest{SessionID: "s", Path: filepath.Join(root, "vendor", "x.go"), Content: "x"})
	_, err = h.HandleRequest(ctx, acp.MethodFSWriteTextFile, params)
	if !errors.As(err, &agentErr) || agentErr.Code != acp.CodeInvalidParams {
		t.Errorf("read-only write: err = %v", err)
	}

	_, err = h.HandleRequest(ctx, acp.MethodFSReadTextFile, json.RawMessage(`{"path":`))
	if !errors.As(err, &agentErr) || agentErr.Code != acp.CodeInvalidParams {
		t.Errorf("bad params: err = %v", err)
	}

	_, err = h.HandleRequest(ctx, "terminal/create", nil)
	if !errors.As(err, &agentErr) || agentErr.Code != acp.CodeMethodNotFound {
		t.Errorf("unknown method: err = %v", err)
	}
}

func TestDecide(t *testing.T) {
	options := []acp.PermissionOption{
		{OptionID: "allow", Name: "Allow", Kind: acp.PermissionAllowOnce},
		{OptionID: "always", Name: "Always", Kind: acp.PermissionAllowAlways},
		{OptionID: "reject", Name: "Reject", Kind: acp.PermissionRejectOnce},
	}
	readCall := json.RawMessage(`{"toolCallId":"t","kind":"read"}`)
	editCall := json.RawMessage(`{"toolCallId":"t","kind":"edit"}`)

	tests := []struct {
		name    string
		policy  config.Permissions
		call    json.RawMessage
		options []acp.PermissionOption
		want    acp.PermissionOutcome
	}{
		{"reject by default", config.Permissions{}, editCall, options, acp.PermissionOutcome{Outcome: "selected", OptionID: "reject"}},
		{"auto approve", config.Permissions{AutoApprove: true}, editCall, options, acp.PermissionOutcome{Outcome: "selected", OptionID: "allow"}},
		{"allowed kind", config.Permissions{AllowKinds: []string{"read"}}, readCall, options, acp.PermissionOutcome{Outcome: "selected", OptionID: "allow"}},
		{"other kind", config.Permissions{AllowKinds: []string{"read"}}, editCall, options, acp.PermissionOutcome{Outcome: "selected", OptionID: "reject"}},
		{"only always offered", config.Permissions{AutoApprove: true}, editCall, options[1:2], acp.PermissionOutcome{Outcome: "selected", OptionID: "always"}},
		{"no matching option", config.Permissions{}, editCall, options[:2], acp.PermissionOutcome{Outcome: "cancelled"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.policy, acp.RequestPermissionRequest{SessionID: "s", ToolCall: tt.call, Options: tt.options})
			if got != tt.want {
				t.Errorf("Decide = %+v, want %+v", got, tt.want)
			}
		})
	}
}
