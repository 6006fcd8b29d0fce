// Package filestate registers the FILE_STATE and PACKAGE_DIGEST
// compute functions and an fsnotify-backed watcher that keeps
// FILE_STATE nodes current by calling invalidate.Inject directly,
// standing in for the rule-language loader's "package load" step
// (out of scope per spec.md §1) without parsing any build file
// format.
package filestate

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"buildgraph.evalgo.org/core/invalidate"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
)

// State is a FILE_STATE node's value: the observable facts a compute
// function needs to decide whether a file's content actually changed,
// not merely that its mtime ticked.
type State struct {
	Exists        bool
	Size          int64
	ModTimeNanos  int64
	ContentDigest string
}

// Equal reports whether two States are identical in every field,
// ModTimeNanos included, so a touch that changes only the mtime makes
// them differ. invalidate.Invalidator does not call it; its default
// comparator reaches the same verdict for States, so such a touch is
// injected as a change and propagates to reverse deps.
func (s State) Equal(other State) bool {
	return s == other
}

func statFile(path string) (State, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return State{Exists: false}, nil
	}
	if err != nil {
		return State{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return State{}, err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return State{}, err
	}

	return State{
		Exists:        true,
		Size:          info.Size(),
		ModTimeNanos:  info.ModTime().UnixNano(),
		ContentDigest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// RegisterFileStateComputeFunction wires the FILE_STATE kind: a node's
// payload is a workspace-relative (or absolute) path, and its value is
// the State observed by stat'ing + hashing it. root is joined with a
// relative payload, matching the teacher's workspace-root convention
// in config/config.go.
func RegisterFileStateComputeFunction(reg *registry.Registry, kind keyvalue.Kind, root string) {
	reg.Register(kind, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		path, ok := key.Payload().(string)
		if !ok {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "FILE_STATE payload is not a path string",
			}
		}
		full := path
		if !filepath.IsAbs(path) {
			full = filepath.Join(root, path)
		}
		state, err := statFile(full)
		if err != nil {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "stat " + full + ": " + err.Error(),
			}
		}
		return keyvalue.JustValue(state), nil
	})
}

// RegisterPackageDigestComputeFunction wires the PACKAGE_DIGEST kind:
// a node's payload is a directory path, and its value is a single
// digest folding together the FILE_STATE of every entry listDir
// returns for it — the demo substitute for "package load" (spec.md
// §1's rule-language parser is explicitly out of scope; this gives the
// evaluator something real to depend on instead of a stub).
func RegisterPackageDigestComputeFunction(reg *registry.Registry, kind, fileStateKind keyvalue.Kind, listDir func(dir string) ([]string, error)) {
	reg.Register(kind, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		dir, ok := key.Payload().(string)
		if !ok {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "PACKAGE_DIGEST payload is not a directory path",
			}
		}

		entries, err := listDir(dir)
		if err != nil {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "list directory " + dir + ": " + err.Error(),
			}
		}
		sort.Strings(entries)

		deps := make([]keyvalue.Key, len(entries))
		for i, entry := range entries {
			deps[i] = keyvalue.New(fileStateKind, entry)
		}

		values := env.GetValues(deps)
		if env.ValuesMissing() {
			for _, dep := range deps {
				if errInfo, isErr := env.DepError(dep); isErr {
					transitive := keyvalue.NewTransitiveError(dep, *errInfo)
					return keyvalue.Value{}, &transitive
				}
			}
			return registry.Restart()
		}

		h := sha256.New()
		for _, entry := range entries {
			state := values[keyvalue.New(fileStateKind, entry)].Inner().(State)
			io.WriteString(h, entry)
			io.WriteString(h, state.ContentDigest)
		}
		return keyvalue.JustValue(hex.EncodeToString(h.Sum(nil))), nil
	})
}

// ListDirShallow is the default listDir implementation for
// RegisterPackageDigestComputeFunction: every regular file directly
// inside dir, non-recursive.
func ListDirShallow(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// Change describes one file that moved or was modified on disk, the
// watcher's unit of work handed to invalidate.Invalidator.Inject.
type Change = invalidate.Change
