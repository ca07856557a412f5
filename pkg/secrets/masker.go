// Package secrets redacts secret values from log output.
package secrets

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"
)

// Mask replaces every registered value in output.
const Mask = "***"

// Masker holds the literals that must never reach a log unmasked.
type Masker struct {
	mu     sync.RWMutex
	values []string
}

func NewMasker(values ...string) *Masker {
	m := &Masker{}
	for _, v := range values {
		m.Add(v)
	}
	return m
}

// Add registers a value. Values shorter than two characters are ignored, and
// multi-line values are registered line by line as well.
func (m *Masker) Add(value string) {
	candidates := []string{value}
	if strings.Contains(value, "\n") {
		candidates = append(candidates, strings.Split(value, "\n")...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range candidates {
		v = strings.TrimRight(v, "\r")
		if len(strings.TrimSpace(v)) < 2 || m.has(v) {
			continue
		}
		m.values = append(m.values, v)
	}
	// longest first so a secret containing another is masked whole
	sort.SliceStable(m.values, func(i, j int) bool { return len(m.values[i]) > len(m.values[j]) })
}

func (m *Masker) has(v string) bool {
	for _, existing := range m.values {
		if existing == v {
			return true
		}
	}
	return false
}

// Redact returns s with every registered value replaced by Mask.
func (m *Masker) Redact(s string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.values {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}

// Writer returns a line buffered writer that redacts each line before
// passing it to w.
func (m *Masker) Writer(w io.Writer) *Writer {
	return &Writer{masker: m, w: w}
}

type Writer struct {
	mu     sync.Mutex
	masker *Masker
	w      io.Writer
	buf    bytes.Buffer
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line)
			break
		}
		if _, err := io.WriteString(w.w, w.masker.Redact(line)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush redacts and writes a trailing partial line.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	_, err := io.WriteString(w.w, w.masker.Redact(line)+"\n")
	return err
}
