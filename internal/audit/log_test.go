package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(TypeCredentialAccess, CredentialAccess{
			Service:   "anthropic",
			Operation: "proxy",
			Success:   true,
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
}

func TestLog_AppendThenVerifyClean(t *testing.T) {
	l := openLog(t, t.TempDir())
	appendN(t, l, 25)

	bad, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("VerifyIntegrity = %v, want clean", bad)
	}
}

func TestLog_EmptyFileVerifiesClean(t *testing.T) {
	l := openLog(t, t.TempDir())
	bad, err := l.VerifyIntegrity()
	if err != nil || len(bad) != 0 {
		t.Errorf("VerifyIntegrity on empty log = %v, %v", bad, err)
	}
}

func TestLog_ChainLinksRecords(t *testing.T) {
	l := openLog(t, t.TempDir())

	first, err := l.Append(TypeCredentialAccess, CredentialAccess{Service: "a", Operation: "proxy"})
	if err != nil {
		t.Fatal(err)
	}
	if first.PrevHash != ZeroHash {
		t.Errorf("first PrevHash = %s, want zero hash", first.PrevHash)
	}

	second, err := l.Append(TypeCredentialAccess, CredentialAccess{Service: "b", Operation: "proxy"})
	if err != nil {
		t.Fatal(err)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("second PrevHash = %s, want %s", second.PrevHash, first.Hash)
	}
}

func TestLog_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)
	appendN(t, l, 5)
	l.Close()

	// Flip a success bit in line 3.
	path := filepath.Join(dir, "current.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.Split(data, []byte("\n"))
	lines[2] = bytes.Replace(lines[2], []byte(`"success":true`), []byte(`"success":false`), 1)
	if err := os.WriteFile(path, bytes.Join(lines, []byte("\n")), 0600); err != nil {
		t.Fatal(err)
	}

	l2 := openLog(t, dir)
	bad, err := l2.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 1 || bad[0] != 3 {
		t.Errorf("VerifyIntegrity = %v, want [3]", bad)
	}
}

func TestLog_DetectsRemovedRecord(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)
	appendN(t, l, 4)
	l.Close()

	path := filepath.Join(dir, "current.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.SplitN(data, []byte("\n"), 3)
	// Drop the second record entirely.
	if err := os.WriteFile(path, append(lines[0], append([]byte("\n"), lines[2]...)...), 0600); err != nil {
		t.Fatal(err)
	}

	l2 := openLog(t, dir)
	bad, err := l2.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) == 0 {
		t.Error("removal not detected")
	}
}

func TestLog_ResumesChainAfterReopen(t *testing.T) {
	dir := t.TempDir()

	l1 := openLog(t, dir)
	appendN(t, l1, 3)
	l1.Close()

	l2 := openLog(t, dir)
	appendN(t, l2, 3)

	bad, err := l2.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 0 {
		t.Errorf("chain broken across restart: %v", bad)
	}
}

func TestLog_IgnoresTrailingPartialLine(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)
	appendN(t, l, 2)
	l.Close()

	// Simulate a crash mid-append: a fragment with no newline.
	path := filepath.Join(dir, "current.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"timestamp":"2026-0`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l2 := openLog(t, dir)
	bad, err := l2.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 0 {
		t.Errorf("partial line flagged: %v", bad)
	}

	// New appends continue the chain from the last complete record.
	appendN(t, l2, 1)
	bad, _ = l2.VerifyIntegrity()
	if len(bad) != 0 {
		t.Errorf("chain broken after partial line: %v", bad)
	}
}

func TestLog_Tail(t *testing.T) {
	l := openLog(t, t.TempDir())

	services := []string{"a0", "a1", "a2", "a3", "a4"}
	for _, svc := range services {
		if _, err := l.Append(TypeCredentialAccess, CredentialAccess{Service: svc, Operation: "proxy"}); err != nil {
			t.Fatal(err)
		}
	}

	records, err := l.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Tail(2) returned %d records", len(records))
	}
	var got CredentialAccess
	if err := json.Unmarshal(records[1].Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Service != "a4" {
		t.Errorf("last record service = %q, want a4", got.Service)
	}
}

func TestLog_RotateStartsFreshChain(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)
	appendN(t, l, 3)

	archive, err := l.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !strings.HasPrefix(archive, "audit-") || !strings.HasSuffix(archive, ".jsonl") {
		t.Errorf("archive name = %q", archive)
	}

	// Archive still verifies against its recorded final hash.
	bad, err := l.VerifyArchive(archive)
	if err != nil {
		t.Fatalf("VerifyArchive: %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("archive chain broken: %v", bad)
	}

	// New chain restarts from the zero hash.
	rec, err := l.Append(TypeCredentialAccess, CredentialAccess{Service: "a", Operation: "proxy"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.PrevHash != ZeroHash {
		t.Errorf("post-rotate PrevHash = %s, want zero hash", rec.PrevHash)
	}

	bad, _ = l.VerifyIntegrity()
	if len(bad) != 0 {
		t.Errorf("fresh chain broken: %v", bad)
	}
}

func TestLog_VerifyArchiveDetectsTamperedTail(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)
	appendN(t, l, 2)

	archive, err := l.Rotate()
	if err != nil {
		t.Fatal(err)
	}

	// Truncate the archive to one record; the final hash no longer matches.
	path := filepath.Join(dir, archive)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	idx := bytes.IndexByte(data, '\n')
	if err := os.WriteFile(path, data[:idx+1], 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := l.VerifyArchive(archive); err == nil {
		t.Error("truncated archive verified clean")
	}
}

func TestLog_LogCredentialAccessNeverFails(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)

	// Close the underlying file so appends fail; the sink must swallow it.
	l.Close()
	l.LogCredentialAccess(CredentialAccess{Service: "a", Operation: "proxy"})

	if got := l.WriteFailures(); got != 1 {
		t.Errorf("WriteFailures = %d, want 1", got)
	}
}
