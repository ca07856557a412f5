package executor

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/opnlabs/dotflow/pkg/secrets"
)

// commandWriter scans step stdout for workflow commands such as
// ::add-mask::value and ::set-output name=x::value. Other lines pass
// through to w.
type commandWriter struct {
	mu      sync.Mutex
	w       io.Writer
	masker  *secrets.Masker
	log     *log.Logger
	outputs map[string]string
	buf     bytes.Buffer
}

func newCommandWriter(w io.Writer, masker *secrets.Masker, logger *log.Logger) *commandWriter {
	return &commandWriter{w: w, masker: masker, log: logger, outputs: make(map[string]string)}
}

func (c *commandWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)
	for {
		line, err := c.buf.ReadString('\n')
		if err != nil {
			c.buf.WriteString(line)
			break
		}
		if err := c.line(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (c *commandWriter) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() == 0 {
		return nil
	}
	line := c.buf.String() + "\n"
	c.buf.Reset()
	return c.line(line)
}

func (c *commandWriter) line(line string) error {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "::") {
		_, err := io.WriteString(c.w, line)
		return err
	}

	end := strings.Index(trimmed[2:], "::")
	if end < 0 {
		_, err := io.WriteString(c.w, line)
		return err
	}
	head, value := trimmed[2:2+end], trimmed[2+end+2:]
	name, props, _ := strings.Cut(head, " ")

	switch name {
	case "add-mask":
		c.masker.Add(value)
		return nil
	case "set-output":
		key := property(props, "name")
		if key == "" {
			c.log.Warn("set-output without a name", "line", c.masker.Redact(trimmed))
			return nil
		}
		c.outputs[key] = value
		return nil
	case "warning", "error", "notice":
		prefix := strings.ToUpper(name[:1]) + name[1:]
		_, err := io.WriteString(c.w, prefix+": "+value+"\n")
		return err
	case "debug":
		c.log.Debug(c.masker.Redact(value))
		return nil
	case "group":
		_, err := io.WriteString(c.w, "> "+value+"\n")
		return err
	case "endgroup":
		return nil
	}
	_, err := io.WriteString(c.w, line)
	return err
}

// property returns key from a "k1=v1,k2=v2" command property list.
func property(props, key string) string {
	for _, kv := range strings.Split(props, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}
