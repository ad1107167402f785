// Command jsonnet evaluates Jsonnet templates with libjsonnet.
//
// Usage:
//
//	jsonnet [flags] <file.jsonnet>
//	jsonnet [flags] -e '<snippet>'
//	jsonnet                          (interactive REPL)
//
// With -watch the input file is re-evaluated whenever it changes. With
// -o the output is written atomically, so consumers of the output file
// never observe a partial write.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"github.com/peterh/liner"

	"github.com/dcoles/jsonnet"
)

const (
	appName     = "jsonnet"
	historyFile = ".jsonnet_history"
	promptMain  = ">>> "
)

func red(s string) string  { return "\x1b[31m" + s + "\x1b[0m" }
func blue(s string) string { return "\x1b[94m" + s + "\x1b[0m" }

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (f *multiFlag) String() string { return strings.Join(*f, ",") }

func (f *multiFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// bindFlag collects repeatable name=value pairs.
type bindFlag map[string]string

func (f bindFlag) String() string { return "" }

func (f bindFlag) Set(v string) error {
	name, val, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	f[name] = val
	return nil
}

type cliOptions struct {
	exec       string
	jpath      multiFlag
	extStr     bindFlag
	extCode    bindFlag
	tlaStr     bindFlag
	tlaCode    bindFlag
	stringOut  bool
	maxStack   int
	maxTrace   int
	output     string
	configPath string
	watch      bool
	version    bool
}

func main() {
	var cli cliOptions
	cli.extStr = bindFlag{}
	cli.extCode = bindFlag{}
	cli.tlaStr = bindFlag{}
	cli.tlaCode = bindFlag{}

	flag.StringVar(&cli.exec, "e", "", "evaluate the given snippet instead of a file")
	flag.Var(&cli.jpath, "J", "add a directory to the import search path (repeatable)")
	flag.Var(cli.extStr, "ext-str", "bind external variable to a string value (name=value, repeatable)")
	flag.Var(cli.extCode, "ext-code", "bind external variable to Jsonnet code (name=code, repeatable)")
	flag.Var(cli.tlaStr, "tla-str", "bind top-level argument to a string value (name=value, repeatable)")
	flag.Var(cli.tlaCode, "tla-code", "bind top-level argument to Jsonnet code (name=code, repeatable)")
	flag.BoolVar(&cli.stringOut, "S", false, "expect a string result and emit it raw")
	flag.IntVar(&cli.maxStack, "max-stack", 0, "maximum stack depth (0 = engine default)")
	flag.IntVar(&cli.maxTrace, "max-trace", 0, "stack trace lines in errors (0 = engine default)")
	flag.StringVar(&cli.output, "o", "", "write output to file (atomic replace) instead of stdout")
	flag.StringVar(&cli.configPath, "config", "", "load VM configuration from a YAML file")
	flag.BoolVar(&cli.watch, "watch", false, "re-evaluate whenever the input file changes")
	flag.BoolVar(&cli.version, "version", false, "print the libjsonnet version and exit")
	flag.Parse()

	if err := run(&cli, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", appName, err)
		os.Exit(1)
	}
}

func run(cli *cliOptions, args []string) error {
	if cli.version {
		fmt.Println(jsonnet.Version())
		return nil
	}

	opts, err := buildOptions(cli)
	if err != nil {
		return err
	}

	switch {
	case cli.exec != "":
		if len(args) != 0 {
			return errors.New("-e cannot be combined with a file argument")
		}
		out, err := jsonnet.EvaluateSnippet(jsonnet.AnonymousName, cli.exec, opts)
		if err != nil {
			return err
		}
		return emit(cli, out)

	case len(args) == 1:
		if cli.watch {
			return watchFile(cli, opts, args[0])
		}
		out, err := jsonnet.EvaluateFile(args[0], opts)
		if err != nil {
			return err
		}
		return emit(cli, out)

	case len(args) == 0:
		return repl(opts)

	default:
		return fmt.Errorf("expected one input file, got %d", len(args))
	}
}

func buildOptions(cli *cliOptions) (*jsonnet.Options, error) {
	opts := &jsonnet.Options{}
	if cli.configPath != "" {
		cfg, err := jsonnet.LoadConfig(cli.configPath)
		if err != nil {
			return nil, err
		}
		opts = cfg.Options()
	}
	opts.JPath = append(opts.JPath, cli.jpath...)
	if cli.maxStack != 0 {
		opts.MaxStack = cli.maxStack
	}
	if cli.maxTrace != 0 {
		opts.MaxTrace = cli.maxTrace
	}
	if cli.stringOut {
		opts.StringOutput = true
	}
	opts.ExtVars = merge(opts.ExtVars, cli.extStr)
	opts.ExtCodes = merge(opts.ExtCodes, cli.extCode)
	opts.TLAVars = merge(opts.TLAVars, cli.tlaStr)
	opts.TLACodes = merge(opts.TLACodes, cli.tlaCode)
	return opts, nil
}

func merge(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	if base == nil {
		base = map[string]string{}
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func emit(cli *cliOptions, out string) error {
	if cli.output == "" {
		_, err := io.WriteString(os.Stdout, out)
		return err
	}
	return atomic.WriteFile(cli.output, bytes.NewReader([]byte(out)))
}

// watchFile evaluates path, then re-evaluates on every change until
// interrupted. Evaluation errors are reported but do not stop the
// watch.
func watchFile(cli *cliOptions, opts *jsonnet.Options, path string) error {
	evalOnce := func() {
		out, err := jsonnet.EvaluateFile(path, opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			return
		}
		if err := emit(cli, out); err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
		}
	}
	evalOnce()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors often replace files
	// by rename, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				evalOnce()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintln(os.Stderr, red(err.Error()))
		}
	}
}

// repl runs an interactive loop, one snippet per line, against a single
// long-lived VM so jpath/ext-var configuration applies to every entry.
func repl(opts *jsonnet.Options) error {
	vm, err := jsonnet.New(opts)
	if err != nil {
		return err
	}
	defer vm.Close()

	fmt.Printf("Jsonnet %s REPL\nCtrl+D exits. Type :quit to exit.\n", jsonnet.Version())

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		histPath = filepath.Join(home, historyFile)
		if f, err := os.Open(histPath); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}

	for {
		src, err := line.Prompt(promptMain)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			// io.EOF on Ctrl+D
			break
		}
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		if src == ":quit" || src == ":q" {
			break
		}
		line.AppendHistory(src)

		out, err := vm.EvaluateSnippet("<repl>", src)
		if err != nil {
			fmt.Println(red(err.Error()))
			continue
		}
		fmt.Print(blue(out))
	}

	if histPath != "" {
		if f, err := os.Create(histPath); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}
	return nil
}
