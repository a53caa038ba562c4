// SPDX-License-Identifier: MPL-2.0

package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/opencontainers/go-digest"
)

// SkipFunc reports whether the slash-separated relative path rel is left
// out of a walk. Returning true for a directory prunes it.
type SkipFunc func(rel string, d fs.DirEntry) bool

// HashFile returns the sha256 digest of the file's contents.
func HashFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }() // Read-only file; close error non-critical

	return digest.Canonical.FromReader(f)
}

// TreeDigest digests a directory tree: every entry's relative path, type,
// permission bits and content (or link target), in lexical order.
// Modification times are ignored. A missing root digests as empty.
func TreeDigest(root string, skip SkipFunc) (digest.Digest, error) {
	var lines []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode() & (fs.ModeType | fs.ModePerm)
		var content string
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			content = "link:" + target
		case d.IsDir():
			content = "dir"
		case d.Type().IsRegular():
			dg, err := HashFile(path)
			if err != nil {
				return err
			}
			content = dg.String()
		default:
			return fmt.Errorf("unsupported file type %s at %s", d.Type(), rel)
		}
		lines = append(lines, fmt.Sprintf("%s\x00%o\x00%s\n", rel, mode, content))
		return nil
	})
	if err != nil {
		return "", err
	}

	slices.Sort(lines)
	digester := digest.Canonical.Digester()
	for _, l := range lines {
		_, _ = digester.Hash().Write([]byte(l))
	}
	return digester.Digest(), nil
}
