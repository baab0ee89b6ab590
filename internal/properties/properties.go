// Package properties edits key=value server.properties files while keeping
// comments, blank lines and ordering intact.
package properties

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileName is the conventional properties file inside a server folder.
const FileName = "server.properties"

type lineKind int

const (
	lineBlank lineKind = iota
	lineComment
	lineSetting
)

type line struct {
	kind  lineKind
	raw   string
	key   string
	value string
	dirty bool
}

// File is a parsed properties file.
type File struct {
	lines []line
}

// Parse reads properties from data. Lines starting with '#' or '!', and
// lines without '=', are kept verbatim as comments.
func Parse(data []byte) *File {
	f := &File{}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSuffix(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "":
			f.lines = append(f.lines, line{kind: lineBlank, raw: raw})
		case strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!"):
			f.lines = append(f.lines, line{kind: lineComment, raw: raw})
		default:
			idx := strings.IndexByte(raw, '=')
			if idx < 0 {
				f.lines = append(f.lines, line{kind: lineComment, raw: raw})
				continue
			}
			f.lines = append(f.lines, line{
				kind:  lineSetting,
				raw:   raw,
				key:   strings.TrimSpace(raw[:idx]),
				value: raw[idx+1:],
			})
		}
	}
	return f
}

// Load parses the file at path. A missing file yields an empty File.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &File{}, nil
		}
		return nil, err
	}
	return Parse(data), nil
}

// Get returns the value of the first setting named key.
func (f *File) Get(key string) (string, bool) {
	for _, l := range f.lines {
		if l.kind == lineSetting && l.key == key {
			return l.value, true
		}
	}
	return "", false
}

// Set updates the first setting named key, appending it when absent.
func (f *File) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("property key is required")
	}
	if strings.ContainsAny(key, "=\r\n") || strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("property %q: keys and values must be single line and keys cannot contain '='", key)
	}
	for i := range f.lines {
		l := &f.lines[i]
		if l.kind == lineSetting && l.key == key {
			if l.value != value {
				l.value = value
				l.dirty = true
			}
			return nil
		}
	}
	f.lines = append(f.lines, line{kind: lineSetting, key: key, value: value, dirty: true})
	return nil
}

// Delete removes every setting named key. It reports whether any existed.
func (f *File) Delete(key string) bool {
	kept := f.lines[:0]
	removed := false
	for _, l := range f.lines {
		if l.kind == lineSetting && l.key == key {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	f.lines = kept
	return removed
}

// Keys returns setting keys in file order, without duplicates.
func (f *File) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, l := range f.lines {
		if l.kind == lineSetting && !seen[l.key] {
			seen[l.key] = true
			keys = append(keys, l.key)
		}
	}
	return keys
}

// Map returns the settings as a map; the first occurrence of a key wins.
func (f *File) Map() map[string]string {
	out := make(map[string]string)
	for _, l := range f.lines {
		if l.kind != lineSetting {
			continue
		}
		if _, ok := out[l.key]; !ok {
			out[l.key] = l.value
		}
	}
	return out
}

// Apply sets every pair in values, in sorted key order for new keys.
func (f *File) Apply(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := f.Set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Bytes renders the file. Untouched lines are written exactly as read.
func (f *File) Bytes() []byte {
	var buf bytes.Buffer
	for _, l := range f.lines {
		if l.kind == lineSetting && (l.dirty || l.raw == "") {
			buf.WriteString(l.key + "=" + l.value)
		} else {
			buf.WriteString(l.raw)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Save writes the file to path through a temp file and rename.
func (f *File) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".properties-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(f.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	for i := range f.lines {
		if f.lines[i].dirty {
			f.lines[i].raw = f.lines[i].key + "=" + f.lines[i].value
			f.lines[i].dirty = false
		}
	}
	return nil
}
