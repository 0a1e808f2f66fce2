// Command validate-recordings checks recorded input files before they are
// replayed.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gogogo1024/novarfb/internal/recording"
	"github.com/gogogo1024/novarfb/protocol"
)

type issue struct {
	msg string
}

type limits struct {
	width  int
	height int
}

type summary struct {
	files   int
	keys    int
	pointer int
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("validate-recordings", flag.ContinueOnError)
	width := fs.Int("width", 0, "report pointer events at or beyond this x (0 to skip)")
	height := fs.Int("height", 0, "report pointer events at or beyond this y (0 to skip)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(out, "usage: validate-recordings [-width N -height N] FILE|DIR...")
		return 2
	}

	paths, issues := expand(fs.Args())
	sum := summary{}
	for _, p := range paths {
		issues = append(issues, validateFile(p, limits{*width, *height}, &sum)...)
	}

	if len(issues) == 0 {
		fmt.Fprintf(out, "ok: recordings look valid (files=%d key=%d pointer=%d)\n", sum.files, sum.keys, sum.pointer)
		return 0
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].msg < issues[j].msg })
	for _, it := range issues {
		fmt.Fprintf(out, "- %s\n", it.msg)
	}
	return 1
}

// expand replaces directories with the *.kb.gz files they contain.
func expand(args []string) ([]string, []issue) {
	var (
		paths  []string
		issues []issue
	)
	for _, a := range args {
		st, err := os.Stat(a)
		if err != nil {
			issues = append(issues, issue{msg: fmt.Sprintf("%s: %v", a, err)})
			continue
		}
		if !st.IsDir() {
			paths = append(paths, a)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(a, "*.kb.gz"))
		if err != nil {
			issues = append(issues, issue{msg: fmt.Sprintf("%s: %v", a, err)})
			continue
		}
		if len(matches) == 0 {
			issues = append(issues, issue{msg: fmt.Sprintf("%s: no *.kb.gz recordings found", a)})
		}
		paths = append(paths, matches...)
	}
	return paths, issues
}

func validateFile(path string, lim limits, sum *summary) []issue {
	f, err := os.Open(path)
	if err != nil {
		return []issue{{msg: fmt.Sprintf("%s: %v", path, err)}}
	}
	defer f.Close()

	entries, err := recording.ReadRecording(f)
	if err != nil {
		return []issue{{msg: fmt.Sprintf("%s: %v", path, err)}}
	}
	sum.files++
	if len(entries) == 0 {
		return []issue{{msg: fmt.Sprintf("%s: recording is empty", path)}}
	}

	var issues []issue
	for i, e := range entries {
		if e.Delay < 0 {
			issues = append(issues, issue{msg: fmt.Sprintf("%s: event %d: negative delay %s", path, i+1, e.Delay)})
		}
		switch m := e.Message.(type) {
		case *protocol.KeyEvent:
			sum.keys++
		case *protocol.PointerEvent:
			sum.pointer++
			if outOfBounds(m, lim) {
				issues = append(issues, issue{msg: fmt.Sprintf("%s: event %d: pointer %d,%d outside %dx%d",
					path, i+1, m.X, m.Y, lim.width, lim.height)})
			}
		}
	}
	return issues
}

func outOfBounds(m *protocol.PointerEvent, lim limits) bool {
	if lim.width > 0 && int(m.X) >= lim.width {
		return true
	}
	return lim.height > 0 && int(m.Y) >= lim.height
}
