// Package agentio owns the stdio wire to a spawned agent subprocess:
// newline-delimited JSON-RPC frames on stdin/stdout, stderr drained to
// the log.
package agentio

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/deepfates/haven/internal/acp"
)

// FrameReader decodes newline-delimited JSON-RPC frames from an agent's
// stdout. Blank lines are skipped and lines that fail to parse are
// logged and dropped so one garbled frame cannot wedge the session.
type FrameReader struct {
	r   *bufio.Reader
	log *slog.Logger
}

func NewFrameReader(r io.Reader, log *slog.Logger) *FrameReader {
	if log == nil {
		log = slog.Default()
	}
	return &FrameReader{r: bufio.NewReader(r), log: log}
}

// Next blocks until a well-formed frame arrives. It returns io.EOF when
// the stream ends; a trailing partial line with no newline is discarded,
// there is no way to know whether the agent finished writing it.
func (fr *FrameReader) Next() (*acp.Message, error) {
	for {
		line, err := fr.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				fr.log.Warn("discarding partial frame at stream end", "bytes", len(line))
			}
			return nil, err
		}
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}
		var msg acp.Message
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
			fr.log.Warn("dropping malformed agent frame", "error", err, "bytes", len(trimmed))
			continue
		}
		if msg.JSONRPC != "" && msg.JSONRPC != acp.JSONRPCVersion {
			fr.log.Warn("dropping frame with unexpected jsonrpc version", "version", msg.JSONRPC)
			continue
		}
		return &msg, nil
	}
}
