package tracker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultSuffix is appended to the input name when no output is given.
const DefaultSuffix = "_transcoded"

// OutputPath derives an output next to input: name_transcoded.ext, then
// name_transcoded_2.ext and so on while taken reports a conflict.
func OutputPath(input, suffix string, taken func(string) bool) string {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	if taken == nil {
		taken = fileExists
	}
	dir := filepath.Dir(input)
	ext := filepath.Ext(input)
	name := strings.TrimSuffix(filepath.Base(input), ext)

	out := filepath.Join(dir, name+suffix+ext)
	for i := 2; taken(out); i++ {
		out = filepath.Join(dir, name+suffix+"_"+strconv.Itoa(i)+ext)
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
