package paths

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultDownloadRoot = "/downloads"

// ResolveDownloadRoot returns the directory clips are written under.
func ResolveDownloadRoot(customPath string) string {
	if customPath != "" {
		return customPath
	}
	if root := os.Getenv("DOWNLOAD_PATH"); root != "" {
		return root
	}
	return DefaultDownloadRoot
}

// ResolveConfigPath returns the optional YAML config file, empty when none is
// configured.
func ResolveConfigPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	return os.Getenv("CONFIG_FILE")
}

// EnsureDir creates dir and its parents if they don't exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// SafeJoin joins path elements and ensures the result is within the base directory (no traversal).
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) || strings.HasPrefix(el, `\\`) {
			return "", fmt.Errorf("path traversal attempt detected: absolute path or UNC not allowed in elements: %s", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}

	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	if absJoined != absBase && !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt detected: %s is outside %s", absJoined, absBase)
	}

	return absJoined, nil
}

// ClipLocation returns the directory and file name for a clip starting at
// start: <root>/<camera>/<YYYY>/<MM>/<DD> and
// <YYYY>-<MM>-<DD>_<hh>.<mm>.<ss>_<start millis>.mp4, in local time.
func ClipLocation(root, camera string, start time.Time) (dir, name string, err error) {
	local := start.Local()
	dir, err = SafeJoin(root,
		sanitize(camera),
		local.Format("2006"),
		local.Format("01"),
		local.Format("02"),
	)
	if err != nil {
		return "", "", err
	}
	name = fmt.Sprintf("%s_%d.mp4", local.Format("2006-01-02_15.04.05"), start.UnixMilli())
	return dir, name, nil
}

// sanitize keeps a camera name usable as a single path element.
func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// WriteAtomic streams r into dir/name through a temporary file so readers
// never see a partial clip.
func WriteAtomic(dir, name string, r io.Reader) (int64, error) {
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return n, err
	}
	return n, nil
}
