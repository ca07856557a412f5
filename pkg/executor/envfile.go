package executor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileCommands are the files a step appends to in order to set outputs,
// environment variables and PATH entries for later steps.
type fileCommands struct {
	output string
	env    string
	path   string
}

func newFileCommands(dir, prefix string) (*fileCommands, error) {
	fc := &fileCommands{}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"output", &fc.output},
		{"env", &fc.env},
		{"path", &fc.path},
	} {
		p := filepath.Join(dir, prefix+"_"+f.name)
		if err := os.WriteFile(p, nil, 0o666); err != nil {
			return nil, err
		}
		*f.dst = p
	}
	return fc, nil
}

func (fc *fileCommands) remove() {
	os.Remove(fc.output)
	os.Remove(fc.env)
	os.Remove(fc.path)
}

// parseKeyValues reads `name=value` lines and `name<<DELIM` heredocs.
func parseKeyValues(path string) (map[string]string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := values[k]; !ok {
			order = append(order, k)
		}
		values[k] = v
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		eq := strings.Index(line, "=")
		hd := strings.Index(line, "<<")
		if hd > 0 && (eq < 0 || hd < eq) {
			name, delim := line[:hd], line[hd+2:]
			if delim == "" {
				return nil, nil, fmt.Errorf("%s: empty heredoc delimiter for %s", path, name)
			}
			var body []string
			closed := false
			for sc.Scan() {
				l := strings.TrimRight(sc.Text(), "\r")
				if l == delim {
					closed = true
					break
				}
				body = append(body, l)
			}
			if !closed {
				return nil, nil, fmt.Errorf("%s: missing heredoc delimiter %q for %s", path, delim, name)
			}
			set(name, strings.Join(body, "\n"))
			continue
		}

		if eq <= 0 {
			return nil, nil, fmt.Errorf("%s: invalid line %q", path, line)
		}
		set(line[:eq], line[eq+1:])
	}
	return values, order, sc.Err()
}

func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range strings.Split(string(b), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}
