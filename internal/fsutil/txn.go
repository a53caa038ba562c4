// SPDX-License-Identifier: MPL-2.0

package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type (
	// Txn replaces paths with staged content and can put every original
	// back. Originals are moved to an adjacent backup so the renames stay
	// on one filesystem.
	Txn struct {
		steps []txnStep
		done  bool
	}

	txnStep struct {
		target string
		// backup is empty when target did not exist before.
		backup string
	}
)

// Replace moves staged to target. An existing target is moved aside first
// and restored by Rollback.
func (t *Txn) Replace(staged, target string) error {
	if t.done {
		return errors.New("transaction already finished")
	}

	step := txnStep{target: target}
	if _, err := os.Lstat(target); err == nil {
		backup, err := backupPath(target)
		if err != nil {
			return err
		}
		if err := os.Rename(target, backup); err != nil {
			return fmt.Errorf("failed to move %s aside: %w", target, err)
		}
		step.backup = backup
	} else if !os.IsNotExist(err) {
		return err
	}
	t.steps = append(t.steps, step)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(staged, target); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}
	return nil
}

// Remove moves target aside so Rollback can restore it. A missing target
// is not an error.
func (t *Txn) Remove(target string) error {
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return nil
	}
	backup, err := backupPath(target)
	if err != nil {
		return err
	}
	if err := os.Rename(target, backup); err != nil {
		return fmt.Errorf("failed to move %s aside: %w", target, err)
	}
	t.steps = append(t.steps, txnStep{target: target, backup: backup})
	return nil
}

// Commit deletes the backups.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	var errs []error
	for _, s := range t.steps {
		if s.backup != "" {
			errs = append(errs, os.RemoveAll(s.backup))
		}
	}
	return errors.Join(errs...)
}

// Rollback undoes every step in reverse order.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	var errs []error
	for i := len(t.steps) - 1; i >= 0; i-- {
		s := t.steps[i]
		if err := os.RemoveAll(s.target); err != nil {
			errs = append(errs, err)
			continue
		}
		if s.backup != "" {
			if err := os.Rename(s.backup, s.target); err != nil {
				errs = append(errs, fmt.Errorf("failed to restore %s: %w", s.target, err))
			}
		}
	}
	return errors.Join(errs...)
}

// backupPath returns an unused sibling name for target.
func backupPath(target string) (string, error) {
	dir, base := filepath.Split(target)
	for i := 0; i < 1000; i++ {
		p := filepath.Join(dir, fmt.Sprintf(".%s.orig-%d", base, i))
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no free backup name for %s", target)
}
