package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxNameAttempts = 1000

// OutputPath names the file an operation writes for input.
//
// "/v/clip.mp4" with suffix "reversed" and ext "" gives "/v/clip (reversed).mp4";
// an empty suffix keeps the stem. dir overrides the input's directory. The
// input itself is never returned.
//
// Unless overwrite is set, the first free "name (n).ext" is claimed by creating
// it empty, so concurrent jobs on one input never share an output. The caller
// owns that placeholder and removes it if the run fails.
func OutputPath(input, suffix, ext, dir string, overwrite bool) (string, error) {
	base := filepath.Base(input)
	inExt := filepath.Ext(base)
	stem := strings.TrimSuffix(base, inExt)
	if ext == "" {
		ext = inExt
	}
	if dir == "" {
		dir = filepath.Dir(input)
	}
	if suffix != "" {
		stem += " (" + suffix + ")"
	}

	candidate := filepath.Join(dir, stem+ext)
	for n := 2; n < maxNameAttempts; n++ {
		if filepath.Clean(candidate) != filepath.Clean(input) {
			if overwrite {
				return candidate, nil
			}
			err := reserve(candidate)
			if err == nil {
				return candidate, nil
			}
			if !errors.Is(err, fs.ErrExist) {
				return "", err
			}
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return "", fmt.Errorf("no free output name for %s", base)
}

func reserve(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
