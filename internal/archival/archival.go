// Package archival writes one JSON file per gateway transaction under a
// configured directory, grounded on detailed_logger.py's
// aggregate-then-log-once pattern: a streamed call is buffered through
// internal/aggregator and archived once as the reconstructed message,
// rather than as a sequence of raw chunks.
package archival

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gcli2api/internal/chatapi"
)

// Writer archives request/response pairs to Dir. A nil or empty Dir
// disables archival; Write then becomes a no-op.
type Writer struct {
	dir string
}

// New returns a Writer rooted at dir. If dir is empty, the returned
// Writer's Write calls are no-ops.
func New(dir string) *Writer {
	return &Writer{dir: dir}
}

// Enabled reports whether this Writer actually archives.
func (w *Writer) Enabled() bool { return w.dir != "" }

// record is the on-disk shape of one archived transaction.
type record struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Provider  string                 `json:"provider"`
	Model     string                 `json:"model"`
	Streamed  bool                   `json:"streamed"`
	Request   *chatapi.ChatRequest   `json:"request"`
	Response  *chatapi.ChatResponse  `json:"response,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// WriteCompletion archives one unary or folded-streaming chat completion
// transaction. resp may be nil if the call failed; in that case errMsg
// should describe the failure.
func (w *Writer) WriteCompletion(provider, model string, streamed bool, req *chatapi.ChatRequest, resp *chatapi.ChatResponse, extra map[string]interface{}, errMsg string) {
	if !w.Enabled() {
		return
	}
	w.write(record{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Provider:  provider,
		Model:     model,
		Streamed:  streamed,
		Request:   req,
		Response:  resp,
		Extra:     extra,
		Error:     errMsg,
	})
}

func (w *Writer) write(rec record) {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		logrus.Warnf("[archival] mkdir %s: %v", w.dir, err)
		return
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		logrus.Warnf("[archival] marshal record: %v", err)
		return
	}
	name := rec.Timestamp.UTC().Format("20060102T150405.000000000Z") + "_" + rec.ID + ".json"
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		logrus.Warnf("[archival] write %s: %v", path, err)
	}
}
