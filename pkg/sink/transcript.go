package sink

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/vango-dev/wavebench/pkg/record"
)

// Transcript buffers every record it receives as JSON lines.
type Transcript struct {
	mu  sync.Mutex
	buf bytes.Buffer
	n   int
	enc *json.Encoder
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	t := &Transcript{}
	t.enc = json.NewEncoder(&t.buf)
	return t
}

// Emit appends r.
func (t *Transcript) Emit(r record.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(r); err == nil {
		t.n++
	}
}

// Len returns the number of buffered records.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Bytes returns a copy of the buffered JSON lines.
func (t *Transcript) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.buf.Bytes())
}

// WriteTo writes the buffered JSON lines to w.
func (t *Transcript) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(t.Bytes())
	return int64(n), err
}

// Records decodes the buffered records.
func (t *Transcript) Records() ([]record.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(t.Bytes()))
	var out []record.Record
	for dec.More() {
		var r record.Record
		if err := dec.Decode(&r); err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
