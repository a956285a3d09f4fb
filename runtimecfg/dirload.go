// File: runtimecfg/dirload.go
// Author: momentics <momentics@gmail.com>
//
// Directory-scan loader: the equivalent of sylar's Config::LoadFromConfDir.
// Tracks each file's mtime so a non-forced reload skips files that have not
// changed since the previous scan.

package runtimecfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFromDir scans dir (non-recursively, matching sylar's flat
// FSUtil::ListAllFile(..., ".yml") behavior) for *.yml/*.yaml files and
// applies each one via LoadFromYAML. When force is false, a file whose
// mtime has not changed since the last call is skipped — mirroring
// s_file2modifytime in config.cc. Per-file read/parse failures are
// collected and returned together rather than aborting the scan, so one
// broken file does not prevent the rest of the directory from loading.
func (r *Registry) LoadFromDir(dir string, force bool) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []error{fmt.Errorf("runtimecfg: read dir %s: %w", dir, err)}
	}

	var errs []error
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}
		path := filepath.Join(dir, name)

		info, err := ent.Info()
		if err != nil {
			errs = append(errs, fmt.Errorf("runtimecfg: stat %s: %w", path, err))
			continue
		}
		mtime := info.ModTime().Unix()

		r.fileMu.Lock()
		last, seen := r.fileStamp[path]
		skip := !force && seen && last == mtime
		r.fileStamp[path] = mtime
		r.fileMu.Unlock()
		if skip {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("runtimecfg: read %s: %w", path, err))
			continue
		}
		if err := r.LoadFromYAML(data); err != nil {
			errs = append(errs, fmt.Errorf("runtimecfg: load %s: %w", path, err))
		}
	}
	return errs
}
