package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"swapguard/internal/model"
)

// AuditSink persists security decisions.
type AuditSink interface {
	PutAuditBatch(ctx context.Context, records []model.AuditRecord) error
}

// Fanout writes every batch to all sinks and joins their errors.
type Fanout []AuditSink

func (f Fanout) PutAuditBatch(ctx context.Context, records []model.AuditRecord) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.PutAuditBatch(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AuditLog appends audit records to a JSON-lines file. Each batch is encoded
// up front and lands in a single write, so a failed batch leaves no partial lines.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

func (l *AuditLog) PutAuditBatch(ctx context.Context, records []model.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	payload, err := encodeLines(records)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return appendFile(l.path, payload)
}

func encodeLines(records []model.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("encode audit record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func appendFile(path string, payload []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := file.Write(payload); err != nil {
		file.Close()
		return fmt.Errorf("append audit log: %w", err)
	}
	return file.Close()
}
