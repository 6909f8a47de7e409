package filetracker

import (
	"context"
	"strings"
	"testing"

	"ojeval/internal/common/storage"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(storage.NewMemoryStorage(), "files", 0)
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	return client
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()
	client := newClient(t)
	ctx := context.Background()

	info, err := client.Put(ctx, "/submissions/1.cpp", strings.NewReader("int main(){}"), 12)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if info.Size != 12 || len(info.Digest) != 64 {
		t.Fatalf("unexpected info %+v", info)
	}
	again, _ := client.PutBytes(ctx, "/submissions/2.cpp", []byte("int main(){}"))
	if again.Digest != info.Digest {
		t.Fatalf("equal content must have equal digests")
	}

	data, err := client.ReadAll(ctx, "/submissions/1.cpp")
	if err != nil || string(data) != "int main(){}" {
		t.Fatalf("unexpected content %q err=%v", data, err)
	}
	url, err := client.URL(ctx, "/submissions/1.cpp")
	if err != nil || url == "" {
		t.Fatalf("presign failed: %v", err)
	}

	if err := client.Delete(ctx, "/submissions/1.cpp"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := client.Stat(ctx, "/submissions/1.cpp"); !appErr.Is(err, appErr.ObjectNotFound) {
		t.Fatalf("expected ObjectNotFound, got %v", err)
	}
	if _, err := client.Get(ctx, "/../etc/passwd"); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected path validation, got %v", err)
	}
}

func TestDeleteFilesStep(t *testing.T) {
	t.Parallel()
	client := newClient(t)
	ctx := context.Background()
	_, _ = client.PutBytes(ctx, "/bin/a", []byte("a"))
	_, _ = client.PutBytes(ctx, "/bin/b", []byte("b"))

	env := model.NewEnviron()
	_ = env.Set("compiled_file", "/bin/a")
	_ = env.Set("extra_files", []any{"/bin/b"})
	out, err := deleteFiles(ctx, client, env, map[string]any{"keys": []any{"compiled_file", "extra_files", "absent"}})
	if err != nil {
		t.Fatalf("delete step failed: %v", err)
	}
	if out.Has("compiled_file") || out.Has("extra_files") {
		t.Fatalf("deleted keys must be dropped from the environ")
	}
	for _, path := range []string{"/bin/a", "/bin/b"} {
		if _, err := client.Stat(ctx, path); !appErr.Is(err, appErr.ObjectNotFound) {
			t.Fatalf("%s must be deleted, got %v", path, err)
		}
	}
}
