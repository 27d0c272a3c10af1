// Package fswalk implements collab.Walker: the full filesystem scan
// used by cold start and rebuild, sharded per the scheduler's chosen
// Strategy and filtering out .gitignore-style ignored paths.
package fswalk

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/filetrie/filetrie/internal/collab"
)

// Walker is the production collab.Walker, backed directly on
// path/filepath.WalkDir (the same recursive-walk idiom
// iamNilotpal-ignite/pkg/filesys.CopyDir uses for its own tree walk).
type Walker struct{}

// New returns a Walker. It holds no state; every call to ForEachMeta is
// independent.
func New() Walker {
	return Walker{}
}

// ForEachMeta implements collab.Walker. When strategy.Parallel is set,
// each root-level subdirectory is walked on its own goroutine, bounded
// by strategy.Shards; small trees and Strategy{Parallel: false} walk
// serially on the calling goroutine.
func (Walker) ForEachMeta(roots []string, strategy collab.ScanStrategy, cb collab.MetaCallback) error {
	if !strategy.Parallel {
		for _, root := range roots {
			if err := walkSerial(root, cb); err != nil {
				return err
			}
		}
		return nil
	}

	var dirs []string
	var files []string
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		ig := loadIgnore(root)
		if ig.match(root) {
			continue
		}
		for _, e := range entries {
			p := filepath.Join(root, e.Name())
			if e.IsDir() {
				dirs = append(dirs, p)
			} else if e.Type().IsRegular() && !ig.match(p) {
				files = append(files, p)
			}
		}
	}
	if len(dirs) == 0 {
		for _, root := range roots {
			if err := walkSerial(root, cb); err != nil {
				return err
			}
		}
		return nil
	}

	for _, p := range files {
		var st unix.Stat_t
		if err := unix.Lstat(p, &st); err != nil {
			continue
		}
		if err := cb(uint64(st.Dev), st.Ino, p, uint64(st.Size), st.Mtim.Nano()); err != nil {
			return err
		}
	}

	sem := make(chan struct{}, strategy.Shards)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, d := range dirs {
		d := d
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := walkSerial(d, cb); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func walkSerial(root string, cb collab.MetaCallback) error {
	ignores := map[string]*ignoreSet{}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		dir := filepath.Dir(path)
		ig, ok := ignores[dir]
		if !ok {
			ig = loadIgnore(dir)
			ignores[dir] = ig
		}
		if ig.match(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return nil
		}
		return cb(uint64(st.Dev), st.Ino, path, uint64(st.Size), st.Mtim.Nano())
	})
}
