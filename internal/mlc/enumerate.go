package mlc

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"slices"
)

// DefaultSubtrees are the top-level directories of an installable package,
// walked in this order: executable code, game content, title metadata.
var DefaultSubtrees = []string{"code", "content", "meta"}

// EntryKind tags a DirEntry.
type EntryKind int

const (
	// EntryDir is a directory that must exist before anything beneath it is written.
	EntryDir EntryKind = iota
	// EntryFile is a file to stream-copy.
	EntryFile
)

func (k EntryKind) String() string {
	if k == EntryDir {
		return "dir"
	}
	return "file"
}

// DirEntry is one step of an install plan.
// Source and Size are only meaningful for EntryFile.
type DirEntry struct {
	Kind        EntryKind
	Source      string
	Destination string
	Size        int64
}

// Dir returns a directory-creation entry.
func Dir(destination string) DirEntry {
	return DirEntry{Kind: EntryDir, Destination: destination}
}

// File returns a file-copy entry.
func File(source, destination string, size int64) DirEntry {
	return DirEntry{Kind: EntryFile, Source: source, Destination: destination, Size: size}
}

// InstallPlan is the immutable result of enumerating a source tree: the
// ordered entries, the storage their handles belong to, and the total size.
type InstallPlan struct {
	source     Storage
	entries    []DirEntry
	totalBytes uint64
}

// NewInstallPlan builds a plan over entries read from source.
// TotalBytes is floored at 1 so progress ratios never divide by zero.
func NewInstallPlan(source Storage, entries []DirEntry) *InstallPlan {
	var total uint64
	for _, e := range entries {
		if e.Kind == EntryFile && e.Size > 0 {
			total += uint64(e.Size)
		}
	}
	if total == 0 {
		total = 1
	}
	return &InstallPlan{
		source:     source,
		entries:    slices.Clone(entries),
		totalBytes: total,
	}
}

// Source returns the storage the file handles belong to.
func (p *InstallPlan) Source() Storage { return p.source }

// Entries returns a copy of the plan's entries.
func (p *InstallPlan) Entries() []DirEntry { return slices.Clone(p.entries) }

// Len returns the number of entries.
func (p *InstallPlan) Len() int { return len(p.entries) }

// TotalBytes returns the sum of all file sizes, at least 1.
func (p *InstallPlan) TotalBytes() uint64 { return p.totalBytes }

// Ignorer decides whether a package-relative, slash-separated path is skipped.
type Ignorer interface {
	Match(relativePath string) bool
}

// Enumerator turns a source tree into install entries.
type Enumerator struct {
	subtrees []string
	ignore   Ignorer
}

// NewEnumerator creates an Enumerator walking subtrees in order.
// An empty subtrees list means DefaultSubtrees. ignore may be nil.
func NewEnumerator(subtrees []string, ignore Ignorer) *Enumerator {
	if len(subtrees) == 0 {
		subtrees = DefaultSubtrees
	}
	return &Enumerator{subtrees: slices.Clone(subtrees), ignore: ignore}
}

// Plan enumerates the whole source and collects the entries into a plan.
func (e *Enumerator) Plan(ctx context.Context, src Storage, root, target string) (*InstallPlan, error) {
	var entries []DirEntry
	for entry, err := range e.Entries(ctx, src, root, target) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return NewInstallPlan(src, entries), nil
}

// Entries lazily yields the entries for installing the package at root of src
// into target. Every directory, empty or not, yields a Dir entry before
// anything beneath it. The sequence stops after the first error. Cancellation
// of ctx is reported as ctx.Err(); every other failure matches ErrEnumeration.
func (e *Enumerator) Entries(ctx context.Context, src Storage, root, target string) iter.Seq2[DirEntry, error] {
	return func(yield func(DirEntry, error) bool) {
		top, err := src.List(ctx, root)
		if err != nil {
			yield(DirEntry{}, e.listError(ctx, root, err))
			return
		}
		byName := make(map[string]Node, len(top))
		for _, n := range top {
			byName[n.Name] = n
		}

		for _, name := range e.subtrees {
			node, ok := byName[name]
			if !ok || !node.IsDir {
				yield(DirEntry{}, phaseError(ErrEnumeration, fmt.Errorf("%w: %s", ErrSubtreeMissing, name)))
				return
			}
			if !e.walk(ctx, src, node.Handle, name, target, yield) {
				return
			}
		}
	}
}

type pendingDir struct {
	handle string
	rel    string
}

// walk performs a depth-first traversal with an explicit stack. It returns
// false when the consumer stopped or an error was yielded.
func (e *Enumerator) walk(ctx context.Context, src Storage, handle, rel, target string, yield func(DirEntry, error) bool) bool {
	stack := []pendingDir{{handle: handle, rel: rel}}

	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := ctx.Err(); err != nil {
			yield(DirEntry{}, err)
			return false
		}
		if !yield(Dir(destinationFor(target, d.rel)), nil) {
			return false
		}

		children, err := src.List(ctx, d.handle)
		if err != nil {
			yield(DirEntry{}, e.listError(ctx, d.rel, err))
			return false
		}

		var dirs []pendingDir
		for _, c := range children {
			childRel := d.rel + "/" + c.Name
			if e.ignore != nil && e.ignore.Match(childRel) {
				continue
			}
			if c.IsDir {
				dirs = append(dirs, pendingDir{handle: c.Handle, rel: childRel})
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(DirEntry{}, err)
				return false
			}
			if !yield(File(c.Handle, destinationFor(target, childRel), c.Size), nil) {
				return false
			}
		}

		// Push in reverse so subdirectories are visited in name order.
		for i := len(dirs) - 1; i >= 0; i-- {
			stack = append(stack, dirs[i])
		}
	}
	return true
}

func (e *Enumerator) listError(ctx context.Context, dir string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return phaseError(ErrEnumeration, fmt.Errorf("listing %s: %w", dir, err))
}

func destinationFor(target, rel string) string {
	return filepath.Join(target, filepath.FromSlash(rel))
}
