// Command rlmrs runs the recursive language model runtime.
//
// Usage:
//
//	rlmrs serve --config rlmrs.yaml
//	rlmrs serve --provider anthropic --model claude-sonnet-4-5
//	rlmrs exec --provider anthropic --docs ./corpus "what does the corpus say about X?"
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/rlmrs/rlmrs"
	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP runtime service."`
	Exec    ExecCmd    `cmd:"" help:"Run one execution against ad-hoc documents and exit."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(rlmrs.GetVersion().String())
	return nil
}

// initLogger applies the global logging flags. Environment variables fill
// in for unset flags.
func initLogger(cli *CLI) (func(), error) {
	levelStr := cli.LogLevel
	if v := os.Getenv("LOG_LEVEL"); levelStr == "info" && v != "" {
		levelStr = v
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	file := cli.LogFile
	if file == "" {
		file = os.Getenv("LOG_FILE")
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, err
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("rlmrs"),
		kong.Description("rlmrs - recursive language model runtime service"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
