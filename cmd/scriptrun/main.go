package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	scriptRuntime "github.com/kinde-oss/script-runtime"
	runtimeConfig "github.com/kinde-oss/script-runtime/config"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
	scriptBundler "github.com/kinde-oss/script-runtime/scriptBundler"
	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	opts, shouldExit, err := parse(args, stdout)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	logger := newLogger(stderr, opts)

	config, err := loadConfig(opts, logger)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	scripts, err := scriptRuntime.New(scriptRuntime.WithLogger(logger), scriptRuntime.WithConfig(config))
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	source, err := readSource(ctx, opts)
	if err != nil {
		return err
	}

	identifier := engineIdentifier(opts, config)
	engine, err := scripts.GetEngine(identifier)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	logger.Debug().Str("identifier", identifier).Str("engine", engine.Factory().EngineName).Msg("evaluating script")

	ctx = engineRegistry.ContextWithScriptContext(ctx, &engineRegistry.ScriptContext{
		Writer:      stdout,
		ErrorWriter: stderr,
	})

	var result interface{}
	if opts.Function != "" {
		result, err = scripts.InvokeWith(ctx, engine, source, opts.Function, opts.Args...)
	} else {
		result, err = scripts.EvalWith(ctx, engine, source)
	}
	if err != nil {
		return err
	}
	if result != nil {
		fmt.Fprintln(stdout, result)
	}
	return nil
}

// engineIdentifier picks -engine, then JavaScript for bundles, then the file
// extension, then the configured default engine.
func engineIdentifier(opts *options, config *runtimeConfig.Config) string {
	if opts.Engine != "" {
		return opts.Engine
	}
	if opts.Bundle {
		return string(scriptRuntime.JavaScript)
	}
	if extension := strings.TrimPrefix(filepath.Ext(opts.File), "."); extension != "" {
		return extension
	}
	return config.DefaultEngine
}

func newLogger(output io.Writer, opts *options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	if opts.LogFormat == "json" {
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: output}).Level(level).With().Timestamp().Logger()
}

func loadConfig(opts *options, logger zerolog.Logger) (*runtimeConfig.Config, error) {
	configPath := opts.ConfigPath
	if configPath == "" && opts.File != "" {
		discovered, err := runtimeConfig.Discover(opts.File)
		if err != nil {
			if errors.Is(err, runtimeConfig.ErrConfigNotFound) {
				return runtimeConfig.Default(), nil
			}
			return nil, err
		}
		logger.Debug().Str("config", discovered).Msg("using discovered config")
		configPath = discovered
	}
	if configPath == "" {
		return runtimeConfig.Default(), nil
	}
	return runtimeConfig.Load(configPath)
}

func readSource(ctx context.Context, opts *options) (string, error) {
	if opts.File == "" {
		return opts.Source, nil
	}
	if opts.Bundle {
		absolutePath, err := filepath.Abs(opts.File)
		if err != nil {
			return "", err
		}
		result := scriptBundler.NewScriptBundler(scriptBundler.BundlerOptions{
			WorkingFolder: filepath.Dir(absolutePath),
			EntryPoint:    absolutePath,
		}).Bundle(ctx)
		if err := result.Err(); err != nil {
			return "", err
		}
		if opts.Function != "" {
			return result.Script(), nil
		}
		return string(result.Content.Source), nil
	}
	content, err := os.ReadFile(opts.File)
	if err != nil {
		return "", fmt.Errorf("failed to read script %s: %w", opts.File, err)
	}
	return string(content), nil
}
