package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxReadBytes     = 5 << 20
	maxSearchMatches = 200
	maxSearchLine    = 250
	maxListEntries   = 500
)

// fileTools implements the workspace file builtins. All paths go through
// ResolvePath; nothing outside the workspace is reachable.
type fileTools struct {
	workspace string
}

func (f *fileTools) readDefinition() (string, string, map[string]any) {
	return "read_file",
		"Read a file from the workspace. Optionally pass offset (1-based line) and limit to read a slice of a large file.",
		Object(map[string]any{
			"path":   String("Path to the file, relative to the workspace or absolute inside it."),
			"offset": Integer("1-based line number to start reading from."),
			"limit":  Integer("Maximum number of lines to return."),
		}, "path")
}

func (f *fileTools) read(ctx context.Context, args map[string]any) (*Result, error) {
	path, err := ResolvePath(f.workspace, stringArg(args, "path"))
	if err != nil {
		return Errf("%v", err), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return Errf("reading %s: %v", stringArg(args, "path"), err), nil
	}
	if info.IsDir() {
		return Errf("%s is a directory; use list_files", stringArg(args, "path")), nil
	}
	if info.Size() > maxReadBytes && intArg(args, "limit", 0) == 0 {
		return Errf("%s is %d bytes; pass offset and limit to read it in slices", stringArg(args, "path"), info.Size()), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Errf("reading %s: %v", stringArg(args, "path"), err), nil
	}

	offset := intArg(args, "offset", 0)
	limit := intArg(args, "limit", 0)
	if offset <= 0 && limit <= 0 {
		return Ok(string(data)), nil
	}

	lines := strings.Split(string(data), "\n")
	if offset <= 0 {
		offset = 1
	}
	if offset > len(lines) {
		return Errf("offset %d is past the end of the file (%d lines)", offset, len(lines)), nil
	}
	end := len(lines)
	if limit > 0 && offset-1+limit < end {
		end = offset - 1 + limit
	}
	return Ok(strings.Join(lines[offset-1:end], "\n")), nil
}

func (f *fileTools) writeDefinition() (string, string, map[string]any) {
	return "write_file",
		"Write content to a file in the workspace, creating parent directories as needed. Overwrites existing files.",
		Object(map[string]any{
			"path":    String("Path to the file, relative to the workspace or absolute inside it."),
			"content": String("Full file content to write."),
		}, "path", "content")
}

func (f *fileTools) write(ctx context.Context, args map[string]any) (*Result, error) {
	path, err := ResolvePath(f.workspace, stringArg(args, "path"))
	if err != nil {
		return Errf("%v", err), nil
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errf("creating directory for %s: %v", stringArg(args, "path"), err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Errf("writing %s: %v", stringArg(args, "path"), err), nil
	}
	return Ok(fmt.Sprintf("Wrote %d bytes to %s", len(content), stringArg(args, "path"))), nil
}

func (f *fileTools) searchDefinition() (string, string, map[string]any) {
	return "search_file",
		"Search workspace files for a pattern (regular expression, falling back to a literal match). Returns matching lines as path:line: text.",
		Object(map[string]any{
			"query": String("Pattern to search for."),
			"path":  String("Directory or file to search under; defaults to the workspace root."),
		}, "query")
}

func (f *fileTools) search(ctx context.Context, args map[string]any) (*Result, error) {
	query := stringArg(args, "query")
	if query == "" {
		return Errf("query is required"), nil
	}
	matcher, err := regexp.Compile(query)
	if err != nil {
		matcher = regexp.MustCompile(regexp.QuoteMeta(query))
	}

	start := f.workspace
	if p := stringArg(args, "path"); p != "" {
		start, err = ResolvePath(f.workspace, p)
		if err != nil {
			return Errf("%v", err), nil
		}
	}

	var out strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if matches >= maxSearchMatches {
			return filepath.SkipAll
		}
		f.searchFile(path, matcher, &out, &matches)
		return nil
	})
	if walkErr != nil {
		return Errf("searching: %v", walkErr), nil
	}
	if matches == 0 {
		return Ok("no matches found"), nil
	}
	text := out.String()
	if matches >= maxSearchMatches {
		text += fmt.Sprintf("... [stopped after %d matches]\n", maxSearchMatches)
	}
	return Ok(strings.TrimRight(text, "\n")), nil
}

func (f *fileTools) searchFile(path string, matcher *regexp.Regexp, out *strings.Builder, matches *int) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	// Skip binaries: a null byte in the first 8k is a good enough tell.
	head := make([]byte, 8000)
	n, _ := file.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return
	}
	if _, err := file.Seek(0, 0); err != nil {
		return
	}

	rel, err := filepath.Rel(f.workspace, path)
	if err != nil {
		rel = path
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !matcher.MatchString(line) {
			continue
		}
		if len(line) > maxSearchLine {
			line = line[:maxSearchLine] + "..."
		}
		fmt.Fprintf(out, "%s:%d: %s\n", rel, lineNo, line)
		*matches++
		if *matches >= maxSearchMatches {
			return
		}
	}
}

func (f *fileTools) listDefinition() (string, string, map[string]any) {
	return "list_files",
		"List files and directories in the workspace. Directories carry a trailing slash.",
		Object(map[string]any{
			"path":      String("Directory to list; defaults to the workspace root."),
			"recursive": Boolean("Walk subdirectories instead of listing one level."),
		})
}

func (f *fileTools) list(ctx context.Context, args map[string]any) (*Result, error) {
	start := f.workspace
	if p := stringArg(args, "path"); p != "" {
		resolved, err := ResolvePath(f.workspace, p)
		if err != nil {
			return Errf("%v", err), nil
		}
		start = resolved
	}

	var entries []string
	if boolArg(args, "recursive") {
		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			if path == start {
				return nil
			}
			rel, relErr := filepath.Rel(start, path)
			if relErr != nil {
				return nil
			}
			if d.IsDir() {
				rel += "/"
			}
			entries = append(entries, rel)
			if len(entries) >= maxListEntries {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return Errf("listing %s: %v", start, err), nil
		}
	} else {
		dirEntries, err := os.ReadDir(start)
		if err != nil {
			return Errf("listing %s: %v", stringArg(args, "path"), err), nil
		}
		for _, e := range dirEntries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			entries = append(entries, name)
		}
	}

	if len(entries) == 0 {
		return Ok("(empty)"), nil
	}
	sort.Strings(entries)
	text := strings.Join(entries, "\n")
	if len(entries) >= maxListEntries {
		text += fmt.Sprintf("\n... [stopped after %d entries]", maxListEntries)
	}
	return Ok(text), nil
}
