package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
)

// ExitError carries the process exit code for a failed invocation.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

type options struct {
	Engine     string
	ConfigPath string
	Source     string
	File       string
	Function   string
	Args       []interface{}
	Bundle     bool
	LogFormat  string
	LogLevel   string
}

// parse reads the command line. It returns true when the program should exit
// cleanly without running anything.
func parse(args []string, output io.Writer) (*options, bool, error) {
	flagSet := flag.NewFlagSet("scriptrun", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
scriptrun - evaluate a script with any registered engine.

Usage:
  scriptrun [options] [FILE] [-call FUNCTION [ARGS...]]

Arguments:
  FILE
    Script to evaluate. Its extension selects the engine unless -engine is set.
    Without -config the nearest scriptrun.hcl above FILE is used.
  ARGS
    Function arguments, decoded as JSON when possible and passed as strings otherwise.

Options:
`)
		flagSet.PrintDefaults()
	}

	engineFlag := flagSet.String("engine", "", "Engine name, extension or mime type.")
	configFlag := flagSet.String("config", "", "Path to an HCL config file.")
	sourceFlag := flagSet.String("e", "", "Inline source to evaluate instead of FILE.")
	callFlag := flagSet.String("call", "", "Function to invoke after evaluation.")
	bundleFlag := flagSet.Bool("bundle", false, "Bundle FILE and its imports with esbuild and run it on the JavaScript engine.")
	logFormatFlag := flagSet.String("log-format", "console", "Log output format. Options: 'console' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "warn", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	opts := &options{
		Engine:     *engineFlag,
		ConfigPath: *configFlag,
		Source:     *sourceFlag,
		Function:   *callFlag,
		Bundle:     *bundleFlag,
		LogFormat:  strings.ToLower(*logFormatFlag),
		LogLevel:   strings.ToLower(*logLevelFlag),
	}

	rest := flagSet.Args()
	if opts.Source == "" && len(rest) > 0 && rest[0] != "-call" {
		opts.File, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 && rest[0] == "-call" {
		if len(rest) < 2 {
			return nil, false, &ExitError{Code: 2, Message: "-call requires a function name"}
		}
		opts.Function, rest = rest[1], rest[2:]
	}
	if len(rest) > 0 && opts.Function == "" {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected arguments: %v", rest)}
	}
	for _, arg := range rest {
		opts.Args = append(opts.Args, decodeArg(arg))
	}

	if opts.Source == "" && opts.File == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	if opts.Bundle && opts.File == "" {
		return nil, false, &ExitError{Code: 2, Message: "-bundle requires FILE"}
	}

	if opts.LogFormat != "console" && opts.LogFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'console' or 'json'"}
	}
	switch opts.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	return opts, false, nil
}

func decodeArg(arg string) interface{} {
	var decoded interface{}
	if err := json.Unmarshal([]byte(arg), &decoded); err != nil {
		return arg
	}
	return decoded
}
