package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/majorcontext/aquaman/internal/log"
)

const (
	// currentFileName is the active log file inside the audit directory.
	currentFileName = "current.jsonl"
	// stateFileName is the sidecar recording archive final hashes for
	// cross-file verification after rotation.
	stateFileName = "chain.state"

	// maxLineSize bounds a single record when scanning log files.
	maxLineSize = 1 << 20
)

// chainState is the sidecar content.
type chainState struct {
	Archives []archiveRecord `json:"archives,omitempty"`
}

// archiveRecord links a rotated file to the final hash its chain ended on.
type archiveRecord struct {
	File      string    `json:"file"`
	FinalHash string    `json:"finalHash"`
	RotatedAt time.Time `json:"rotatedAt"`
}

// Log is the append-only hash-chained audit log. All appends serialize
// through a single writer; a restart resumes the chain from the last
// complete line of the current file.
type Log struct {
	dir string

	mu       sync.Mutex
	file     *os.File
	prevHash string

	writeFailures atomic.Uint64
}

// Open opens (or creates) the audit log in dir and recovers the chain
// tip from the current file.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}

	l := &Log{dir: dir, prevHash: ZeroHash}

	path := filepath.Join(dir, currentFileName)
	if err := truncatePartialLine(path); err != nil {
		return nil, err
	}
	if tip, err := lastHash(path); err != nil {
		return nil, err
	} else if tip != "" {
		l.prevHash = tip
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	l.file = f
	return l, nil
}

// Append writes one record of the given type and returns it. The write
// is a single complete line, so a crash can only ever lose or truncate
// the record being written, never corrupt earlier ones.
func (l *Log) Append(entryType string, data any) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(entryType, data)
}

func (l *Log) appendLocked(entryType string, data any) (*Record, error) {
	rec, err := newRecord(l.prevHash, entryType, data, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding audit record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return nil, fmt.Errorf("appending audit record: %w", err)
	}

	l.prevHash = rec.Hash
	return rec, nil
}

// LogCredentialAccess is the sink the proxy pipeline calls. Append
// failures never propagate to the HTTP response: they are logged to
// stderr and counted.
func (l *Log) LogCredentialAccess(access CredentialAccess) {
	if _, err := l.Append(TypeCredentialAccess, access); err != nil {
		l.writeFailures.Add(1)
		log.Error("audit append failed", "service", access.Service, "error", err)
	}
}

// WriteFailures returns the number of failed appends since open.
func (l *Log) WriteFailures() uint64 {
	return l.writeFailures.Load()
}

// Tail returns the last n records of the current file.
func (l *Log) Tail(n int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}

	var records []Record
	err := scanLines(filepath.Join(l.dir, currentFileName), func(_ int, line []byte) {
		var rec Record
		if json.Unmarshal(line, &rec) != nil {
			return
		}
		records = append(records, rec)
		if len(records) > n {
			records = records[1:]
		}
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// VerifyIntegrity recomputes the chain over the current file and returns
// the 1-based line numbers that fail: unparseable lines, records whose
// hash doesn't match their content, and records whose prevHash doesn't
// continue the chain. A trailing partial line (no newline, interrupted
// write) is ignored. An empty or absent file verifies clean.
func (l *Log) VerifyIntegrity() ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return verifyFile(filepath.Join(l.dir, currentFileName), ZeroHash)
}

// verifyFile checks one log file's chain starting from startHash.
func verifyFile(path string, startHash string) ([]int, error) {
	var bad []int
	prev := startHash

	err := scanLines(path, func(lineNo int, line []byte) {
		var w wireRecord
		if err := json.Unmarshal(line, &w); err != nil {
			bad = append(bad, lineNo)
			return
		}
		body, err := w.canonicalBody()
		if err != nil {
			bad = append(bad, lineNo)
			return
		}
		if w.PrevHash != prev || w.Hash != chainHash(w.PrevHash, body) {
			bad = append(bad, lineNo)
			// Resynchronize on the stored hash so one bad record doesn't
			// cascade a failure onto every later line.
			prev = w.Hash
			return
		}
		prev = w.Hash
	})
	if err != nil {
		return nil, err
	}
	return bad, nil
}

// VerifyArchive checks a rotated file against the sidecar's recorded
// final hash. Rotated chains also start from the zero hash.
func (l *Log) VerifyArchive(file string) ([]int, error) {
	bad, err := verifyFile(filepath.Join(l.dir, file), ZeroHash)
	if err != nil {
		return nil, err
	}

	state, err := l.readState()
	if err != nil {
		return nil, err
	}
	for _, a := range state.Archives {
		if a.File != file {
			continue
		}
		tip, err := lastHash(filepath.Join(l.dir, file))
		if err != nil {
			return nil, err
		}
		if tip != a.FinalHash {
			return bad, fmt.Errorf("archive %s final hash %s does not match recorded %s", file, tip, a.FinalHash)
		}
		return bad, nil
	}
	return bad, fmt.Errorf("archive %s not recorded in chain state", file)
}

// Rotate archives the current file under a timestamped name and starts a
// fresh chain from the zero hash. The archived chain's final hash is
// recorded in the sidecar so cross-file verification stays possible.
// Returns the archive filename.
func (l *Log) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return "", fmt.Errorf("closing audit log: %w", err)
	}

	archive := fmt.Sprintf("audit-%s.jsonl", time.Now().UTC().Format("20060102T150405"))
	current := filepath.Join(l.dir, currentFileName)
	if err := os.Rename(current, filepath.Join(l.dir, archive)); err != nil {
		return "", fmt.Errorf("archiving audit log: %w", err)
	}

	state, err := l.readState()
	if err != nil {
		return "", err
	}
	state.Archives = append(state.Archives, archiveRecord{
		File:      archive,
		FinalHash: l.prevHash,
		RotatedAt: time.Now().UTC(),
	})
	if err := l.writeState(state); err != nil {
		return "", err
	}

	f, err := os.OpenFile(current, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return "", fmt.Errorf("opening fresh audit log: %w", err)
	}
	l.file = f
	l.prevHash = ZeroHash
	return archive, nil
}

// Close closes the current log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *Log) readState() (*chainState, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &chainState{}, nil
		}
		return nil, fmt.Errorf("reading chain state: %w", err)
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing chain state: %w", err)
	}
	return &state, nil
}

func (l *Log) writeState(state *chainState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, stateFileName), data, 0600); err != nil {
		return fmt.Errorf("writing chain state: %w", err)
	}
	return nil
}

// scanLines streams complete lines of a log file to fn with 1-based
// numbering. A final fragment without a trailing newline is skipped: it
// is an interrupted write, which the chain treats as never appended.
// An absent file is an empty log.
func scanLines(path string, fn func(lineNo int, line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// No trailing newline: partial record, ignore.
			return nil
		}
		lineNo++
		line = bytes.TrimRight(line, "\n")
		if len(line) == 0 {
			continue
		}
		if len(line) > maxLineSize {
			fn(lineNo, line[:maxLineSize])
			continue
		}
		fn(lineNo, line)
	}
}

// truncatePartialLine drops a trailing record fragment left by an
// interrupted write, so the next append starts on a clean line instead
// of corrupting itself against the fragment.
func truncatePartialLine(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading audit log: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	valid := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(path, int64(valid)); err != nil {
		return fmt.Errorf("truncating partial audit record: %w", err)
	}
	return nil
}

// lastHash returns the hash of the last complete, parseable record in a
// log file, or "" when there is none.
func lastHash(path string) (string, error) {
	tip := ""
	err := scanLines(path, func(_ int, line []byte) {
		var w wireRecord
		if json.Unmarshal(line, &w) == nil && w.Hash != "" {
			tip = w.Hash
		}
	})
	return tip, err
}
