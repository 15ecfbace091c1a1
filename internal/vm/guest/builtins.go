package guest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// rpcRequestDir is where the subagent builtin drops spawn requests.
// Must match the host-side collector (internal/rpc).
const rpcRequestDir = "/.rpc/requests"

func registerBuiltins(table map[string]builtin) {
	table["cat"] = builtinCat
	table["echo"] = builtinEcho
	table["ls"] = builtinLs
	table["pwd"] = builtinPwd
	table["cd"] = builtinCd
	table["mkdir"] = builtinMkdir
	table["rm"] = builtinRm
	table["mv"] = builtinMv
	table["cp"] = builtinCp
	table["touch"] = builtinTouch
	table["grep"] = builtinGrep
	table["wc"] = builtinWc
	table["head"] = builtinHead
	table["tail"] = builtinTail
	table["true"] = builtinTrue
	table["false"] = builtinFalse
	table["exit"] = builtinExit
	table["sleep"] = builtinSleep
	table["sh"] = builtinSh
	table["subagent"] = builtinSubagent
}

func builtinCat(p *proc, args []string) (int, error) {
	if len(args) == 0 {
		if _, err := io.Copy(p.stdout, p.stdin); err != nil {
			return exitFailure, err
		}
		return exitOK, nil
	}
	status := exitOK
	for _, arg := range args {
		content, err := p.fs().ReadFile(p.ctx, p.run.resolve(arg))
		if err != nil {
			status = p.errf(exitFailure, "cat: %s: no such file or directory", arg)
			continue
		}
		if _, err := io.WriteString(p.stdout, content); err != nil {
			return exitFailure, err
		}
	}
	return status, nil
}

func builtinEcho(p *proc, args []string) (int, error) {
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	out := strings.Join(args, " ")
	if newline {
		out += "\n"
	}
	if _, err := io.WriteString(p.stdout, out); err != nil {
		return exitFailure, err
	}
	return exitOK, nil
}

func builtinLs(p *proc, args []string) (int, error) {
	target := p.run.cwd
	if len(args) > 0 {
		target = p.run.resolve(args[0])
	}
	entries, err := p.fs().ReadDir(p.ctx, target)
	if err != nil {
		// ls on a plain file prints its name, like the real thing.
		if meta, serr := p.fs().Stat(p.ctx, target); serr == nil && meta.IsFile {
			fmt.Fprintln(p.stdout, path.Base(target))
			return exitOK, nil
		}
		return p.errf(exitFailure, "ls: %s: no such file or directory", target), nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		name := e.Name
		if e.Meta.IsDir {
			name += "/"
		}
		fmt.Fprintln(p.stdout, name)
	}
	return exitOK, nil
}

func builtinPwd(p *proc, _ []string) (int, error) {
	fmt.Fprintln(p.stdout, p.run.cwd)
	return exitOK, nil
}

func builtinCd(p *proc, args []string) (int, error) {
	target := "/"
	if len(args) > 0 {
		target = p.run.resolve(args[0])
	}
	meta, err := p.fs().Stat(p.ctx, target)
	if err != nil || !meta.IsDir {
		return p.errf(exitFailure, "cd: %s: no such directory", target), nil
	}
	p.run.cwd = target
	return exitOK, nil
}

func builtinMkdir(p *proc, args []string) (int, error) {
	if len(args) == 0 {
		return p.errf(exitUsage, "mkdir: missing operand"), nil
	}
	mkdir := p.fs().Mkdir
	if mkdir == nil {
		return p.errf(exitFailure, "mkdir: operation not supported"), nil
	}
	// -p is accepted and implied: parents are always created.
	for _, arg := range args {
		if arg == "-p" {
			continue
		}
		if err := mkdir(p.ctx, p.run.resolve(arg)); err != nil {
			return p.errf(exitFailure, "mkdir: %s: %v", arg, err), nil
		}
	}
	return exitOK, nil
}

func builtinRm(p *proc, args []string) (int, error) {
	var paths []string
	for _, arg := range args {
		if arg == "-r" || arg == "-f" || arg == "-rf" || arg == "-fr" {
			continue
		}
		paths = append(paths, arg)
	}
	if len(paths) == 0 {
		return p.errf(exitUsage, "rm: missing operand"), nil
	}
	remove := p.fs().Remove
	if remove == nil {
		return p.errf(exitFailure, "rm: operation not supported"), nil
	}
	status := exitOK
	for _, arg := range paths {
		if err := remove(p.ctx, p.run.resolve(arg)); err != nil {
			status = p.errf(exitFailure, "rm: %s: no such file or directory", arg)
		}
	}
	return status, nil
}

func builtinMv(p *proc, args []string) (int, error) {
	if len(args) != 2 {
		return p.errf(exitUsage, "mv: usage: mv SOURCE DEST"), nil
	}
	rename := p.fs().Rename
	if rename == nil {
		return p.errf(exitFailure, "mv: operation not supported"), nil
	}
	if err := rename(p.ctx, p.run.resolve(args[0]), p.run.resolve(args[1])); err != nil {
		return p.errf(exitFailure, "mv: %v", err), nil
	}
	return exitOK, nil
}

func builtinCp(p *proc, args []string) (int, error) {
	if len(args) != 2 {
		return p.errf(exitUsage, "cp: usage: cp SOURCE DEST"), nil
	}
	content, err := p.fs().ReadFile(p.ctx, p.run.resolve(args[0]))
	if err != nil {
		return p.errf(exitFailure, "cp: %s: no such file or directory", args[0]), nil
	}
	if err := p.fs().WriteFile(p.ctx, p.run.resolve(args[1]), content); err != nil {
		return p.errf(exitFailure, "cp: %s: %v", args[1], err), nil
	}
	return exitOK, nil
}

func builtinTouch(p *proc, args []string) (int, error) {
	if len(args) == 0 {
		return p.errf(exitUsage, "touch: missing operand"), nil
	}
	for _, arg := range args {
		target := p.run.resolve(arg)
		content, err := p.fs().ReadFile(p.ctx, target)
		if err != nil {
			content = ""
		}
		if err := p.fs().WriteFile(p.ctx, target, content); err != nil {
			return p.errf(exitFailure, "touch: %s: %v", arg, err), nil
		}
	}
	return exitOK, nil
}

func builtinGrep(p *proc, args []string) (int, error) {
	if len(args) == 0 {
		return p.errf(exitUsage, "grep: usage: grep PATTERN [FILE...]"), nil
	}
	// Same pattern language as the storage protocol's Grep.
	re, err := regexp.Compile(args[0])
	if err != nil {
		return p.errf(exitUsage, "grep: invalid pattern: %v", err), nil
	}
	var input string
	if len(args) == 1 {
		data, err := io.ReadAll(p.stdin)
		if err != nil {
			return exitFailure, err
		}
		input = string(data)
	} else {
		var parts []string
		for _, arg := range args[1:] {
			content, err := p.fs().ReadFile(p.ctx, p.run.resolve(arg))
			if err != nil {
				return p.errf(exitFailure, "grep: %s: no such file or directory", arg), nil
			}
			parts = append(parts, content)
		}
		input = strings.Join(parts, "\n")
	}
	matched := false
	for _, line := range strings.Split(input, "\n") {
		if re.MatchString(line) {
			fmt.Fprintln(p.stdout, line)
			matched = true
		}
	}
	if !matched {
		return exitFailure, nil
	}
	return exitOK, nil
}

func builtinWc(p *proc, args []string) (int, error) {
	countLines := false
	var files []string
	for _, arg := range args {
		if arg == "-l" {
			countLines = true
			continue
		}
		files = append(files, arg)
	}
	var input string
	if len(files) == 0 {
		data, err := io.ReadAll(p.stdin)
		if err != nil {
			return exitFailure, err
		}
		input = string(data)
	} else {
		content, err := p.fs().ReadFile(p.ctx, p.run.resolve(files[0]))
		if err != nil {
			return p.errf(exitFailure, "wc: %s: no such file or directory", files[0]), nil
		}
		input = content
	}
	lines := strings.Count(input, "\n")
	if countLines {
		fmt.Fprintln(p.stdout, lines)
		return exitOK, nil
	}
	words := len(strings.Fields(input))
	fmt.Fprintf(p.stdout, "%d %d %d\n", lines, words, len(input))
	return exitOK, nil
}

func builtinHead(p *proc, args []string) (int, error) {
	return headTail(p, args, true)
}

func builtinTail(p *proc, args []string) (int, error) {
	return headTail(p, args, false)
}

func headTail(p *proc, args []string, fromStart bool) (int, error) {
	count := 10
	var files []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-n" && i+1 < len(args) {
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return p.errf(exitUsage, "invalid line count: %s", args[i+1]), nil
			}
			count = n
			i++
			continue
		}
		files = append(files, args[i])
	}
	var input string
	if len(files) == 0 {
		data, err := io.ReadAll(p.stdin)
		if err != nil {
			return exitFailure, err
		}
		input = string(data)
	} else {
		content, err := p.fs().ReadFile(p.ctx, p.run.resolve(files[0]))
		if err != nil {
			return p.errf(exitFailure, "%s: no such file or directory", files[0]), nil
		}
		input = content
	}
	lines := strings.Split(strings.TrimSuffix(input, "\n"), "\n")
	if count > len(lines) {
		count = len(lines)
	}
	selected := lines[:count]
	if !fromStart {
		selected = lines[len(lines)-count:]
	}
	for _, line := range selected {
		fmt.Fprintln(p.stdout, line)
	}
	return exitOK, nil
}

func builtinTrue(_ *proc, _ []string) (int, error)  { return exitOK, nil }
func builtinFalse(_ *proc, _ []string) (int, error) { return exitFailure, nil }

func builtinExit(_ *proc, args []string) (int, error) {
	code := exitOK
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, exitSignal{code: exitUsage}
		}
		code = n & 0xff
	}
	return 0, exitSignal{code: code}
}

func builtinSleep(p *proc, args []string) (int, error) {
	if len(args) == 0 {
		return p.errf(exitUsage, "sleep: missing operand"), nil
	}
	secs, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return p.errf(exitUsage, "sleep: invalid time interval %q", args[0]), nil
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return exitOK, nil
	case <-p.ctx.Done():
		return exitFailure, p.ctx.Err()
	}
}

// builtinSh supports the `sh -c "script"` form used by callers that
// wrap commands the way exec-style APIs do.
func builtinSh(p *proc, args []string) (int, error) {
	if len(args) != 2 || args[0] != "-c" {
		return p.errf(exitUsage, "sh: usage: sh -c COMMAND"), nil
	}
	tokens, err := lex(args[1])
	if err != nil {
		return p.errf(exitUsage, "sh: %v", err), nil
	}
	s, err := parse(tokens)
	if err != nil {
		return p.errf(exitUsage, "sh: %v", err), nil
	}
	// The script runs in a nested scope: output feeds this command's
	// stdout (so piping works) and `exit` terminates only the subshell.
	sub := &runState{interp: p.run.interp, fs: p.run.fs, cwd: p.run.cwd, out: p.stdout}
	status := exitOK
	for _, list := range s.lists {
		if cerr := p.ctx.Err(); cerr != nil {
			return status, cerr
		}
		status, err = sub.evalAndOr(p.ctx, list)
		if err != nil {
			var ex exitSignal
			if errors.As(err, &ex) {
				return ex.code, nil
			}
			return status, err
		}
	}
	return status, nil
}

// builtinSubagent signals the host through the file-based request
// channel: `subagent spawn <task...>` writes a spawn-request JSON file
// into the reserved directory, where the host collector picks it up
// after the surrounding execute call.
func builtinSubagent(p *proc, args []string) (int, error) {
	if len(args) < 1 {
		return p.errf(exitUsage, "usage: subagent spawn TASK..."), nil
	}
	if args[0] != "spawn" {
		return p.errf(exitUsage, "subagent: unknown command %q", args[0]), nil
	}
	if len(args) < 2 {
		return p.errf(exitUsage, "subagent: spawn requires a task description"), nil
	}

	id := uuid.NewString()
	request := struct {
		ID        string            `json:"id"`
		Method    string            `json:"method"`
		Args      map[string]string `json:"args"`
		Timestamp string            `json:"timestamp"`
	}{
		ID:        id,
		Method:    "spawn",
		Args:      map[string]string{"task": strings.Join(args[1:], " ")},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		return p.errf(exitFailure, "subagent: encoding request: %v", err), nil
	}

	if mkdir := p.fs().Mkdir; mkdir != nil {
		if err := mkdir(p.ctx, rpcRequestDir); err != nil {
			return p.errf(exitFailure, "subagent: creating %s: %v", rpcRequestDir, err), nil
		}
	}
	target := rpcRequestDir + "/" + id + ".json"
	if err := p.fs().WriteFile(p.ctx, target, string(data)); err != nil {
		return p.errf(exitFailure, "subagent: writing %s: %v", target, err), nil
	}
	fmt.Fprintf(p.stdout, "Spawn request %s submitted\n", id)
	return exitOK, nil
}
