package store

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"digital-goods-market/internal/pkg/crypto"
)

// Store resolves, moves, copies and (de)crypts files under the content-store
// root. All paths passed in and returned are relative to the root; Abs
// resolves them.
type Store struct {
	root   string
	logger zerolog.Logger
}

// New creates a content store rooted at dir.
func New(root string, logger zerolog.Logger) *Store {
	return &Store{root: root, logger: logger}
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Abs resolves a store-relative path.
func (s *Store) Abs(rel string) string { return filepath.Join(s.root, rel) }

// Exists reports whether a store-relative path exists.
func (s *Store) Exists(rel string) bool {
	_, err := os.Stat(s.Abs(rel))
	return err == nil
}

// Move renames orig to dest, creating intermediate directories. The
// postcondition "orig absent, dest present" holds exactly when the returned
// error is nil.
func (s *Store) Move(orig, dest string) error {
	absDest := s.Abs(dest)
	if err := os.MkdirAll(filepath.Dir(absDest), 0o750); err != nil {
		return fmt.Errorf("move %s -> %s: %w", orig, dest, err)
	}
	if err := os.Rename(s.Abs(orig), absDest); err != nil {
		return fmt.Errorf("move %s -> %s: %w", orig, dest, err)
	}
	return nil
}

// Copy duplicates src into dstDir under name. Used to materialize per-buyer
// copies of a reusable universal item.
func (s *Store) Copy(src, dstDir, name string) (string, error) {
	rel := filepath.Join(dstDir, name)
	absDst := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(absDst), 0o750); err != nil {
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	in, err := os.Open(s.Abs(src))
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(absDst)
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	return rel, nil
}

// Remove deletes a store-relative file, ignoring a missing file.
func (s *Store) Remove(rel string) error {
	if err := os.Remove(s.Abs(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

// RemoveDir deletes a store-relative directory tree.
func (s *Store) RemoveDir(rel string) error {
	if err := os.RemoveAll(s.Abs(rel)); err != nil {
		return fmt.Errorf("remove dir %s: %w", rel, err)
	}
	return nil
}

// WriteEncrypted seals plain under key and writes it at rel.
func (s *Store) WriteEncrypted(rel string, plain, key []byte) error {
	sealed, err := crypto.Encrypt(plain, key)
	if err != nil {
		return err
	}
	abs := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// ReadDecrypted opens the sealed file at rel with key.
func (s *Store) ReadDecrypted(rel string, key []byte) ([]byte, error) {
	sealed, err := os.ReadFile(s.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return crypto.Decrypt(sealed, key)
}

// Checksum returns the base64 SHA-256 of the ciphertext at rel.
func (s *Store) Checksum(rel string) (string, error) {
	return crypto.ChecksumFile(s.Abs(rel))
}

// EncryptFolder zips the directory at srcDir (absolute path), seals the
// archive under key and writes a single .enc file at rel.
func (s *Store) EncryptFolder(srcDir, rel string, key []byte) error {
	archive, err := zipDir(srcDir)
	if err != nil {
		return fmt.Errorf("encrypt folder %s: %w", srcDir, err)
	}
	return s.WriteEncrypted(rel, archive, key)
}

// DecryptFolder opens the sealed archive at rel and unzips it into a fresh
// temporary directory whose path is returned. The caller owns the directory
// and must remove it on every exit path.
func (s *Store) DecryptFolder(rel string, key []byte) (string, error) {
	plain, err := s.ReadDecrypted(rel, key)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "market-unzip-*")
	if err != nil {
		return "", fmt.Errorf("decrypt folder %s: %w", rel, err)
	}
	if err := unzipTo(plain, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("decrypt folder %s: %w", rel, err)
	}
	return dir, nil
}

// zipDir archives a directory tree into memory, storing paths relative to
// the directory itself.
func zipDir(dir string) ([]byte, error) {
	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// unzipTo extracts an in-memory archive into dir, rejecting entries that
// would escape it.
func unzipTo(archive []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes target: %s", f.Name)
		}
		target := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return err
		}
		out.Close()
		rc.Close()
	}
	return nil
}
