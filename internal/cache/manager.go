package cache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	partSuffix   = ".part"
	resumeSuffix = ".resume"
	tempPrefix   = "transfer-"
)

var ErrEmptyTaskID = errors.New("cache: empty task id")

// IDFromURL derives a stable identifier from a URL.
func IDFromURL(url string) string {
	return digest(url)
}

func digest(s string) string {
	hash := md5.Sum([]byte(s))
	return hex.EncodeToString(hash[:])
}

// Paths resolves transfer destinations inside the cache directory.
type Paths struct {
	root    string
	tempDir string
	home    func() (string, error)
}

// New returns Paths rooted at root. An empty tempDir uses <root>/tmp.
func New(root, tempDir string) (*Paths, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cache: resolve root %q: %w", root, err)
	}
	if tempDir == "" {
		tempDir = filepath.Join(absRoot, "tmp")
	}
	absTemp, err := filepath.Abs(tempDir)
	if err != nil {
		return nil, fmt.Errorf("cache: resolve temp dir %q: %w", tempDir, err)
	}
	return &Paths{root: absRoot, tempDir: absTemp, home: os.UserHomeDir}, nil
}

// Root returns the absolute cache root.
func (p *Paths) Root() string {
	return p.root
}

// CorrectPath turns a caller-supplied path into an absolute one. "~/" is
// expanded to the home directory and relative paths land under the root.
func (p *Paths) CorrectPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "file://")
	if path == "" {
		return "", errors.New("cache: empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := p.home()
		if err != nil {
			return "", fmt.Errorf("cache: resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.root, path)
	}
	return filepath.Clean(path), nil
}

// TempPath is where an in-flight download for taskID is written.
func (p *Paths) TempPath(taskID string) (string, error) {
	if taskID == "" {
		return "", ErrEmptyTaskID
	}
	return filepath.Join(p.tempDir, tempPrefix+fileKey(taskID)+partSuffix), nil
}

// FilePath is the final location of a download. An empty dest selects a
// default file in the temp dir named after the task, carrying ext if set.
func (p *Paths) FilePath(taskID, dest, ext string) (string, error) {
	if dest != "" {
		return p.CorrectPath(dest)
	}
	if taskID == "" {
		return "", ErrEmptyTaskID
	}
	name := tempPrefix + fileKey(taskID)
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return filepath.Join(p.tempDir, name), nil
}

// ResumeKey is the key resume data for taskID is stored under.
func ResumeKey(taskID string) string {
	return "resume/" + fileKey(taskID) + resumeSuffix
}

// EnsureDir creates the parent directory of path and checks it can be
// written to.
func (p *Paths) EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// Move places src at dst, replacing dst. Rename is tried first; across
// devices the file is copied.
func (p *Paths) Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// fileKey names on-disk state for a task. Task ids are free-form, so they are
// hashed rather than sanitized to keep distinct ids apart.
func fileKey(taskID string) string {
	return digest(taskID)
}
