package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Input limits applied before anything is parsed.
const (
	maxFileBytes = 1 << 20
	maxNesting   = 32
	maxEnvValue  = 4096
)

var configExtensions = []string{".json", ".json5"}

// checkConfigPath rejects paths that are empty, not JSON, or that climb out of
// the working directory through "..".
func checkConfigPath(path string) error {
	if path == "" {
		return stderrors.New("empty config path")
	}
	ext := strings.ToLower(filepath.Ext(path))
	known := false
	for _, e := range configExtensions {
		if ext == e {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unsupported config extension %q", ext)
	}
	if filepath.IsAbs(path) {
		return nil
	}
	if rel := filepath.Clean(path); rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("config path %s leaves the working directory", path)
	}
	return nil
}

// readConfigFile returns the contents of a regular file no larger than
// maxFileBytes.
func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config path %s is not a regular file", path)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxFileBytes)
	}
	return data, nil
}

// checkNesting walks the token stream and fails once objects or arrays nest
// deeper than maxNesting.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if depth != 0 {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxNesting {
				return fmt.Errorf("nesting exceeds %d levels", maxNesting)
			}
		case '}', ']':
			depth--
		}
	}
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s exceeds %d bytes", key, maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}
