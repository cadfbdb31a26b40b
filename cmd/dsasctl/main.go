package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/facebookincubator/go-belt/beltctx"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/experimental/tracer"
	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands"
	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands/machines"
	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands/set_settings"
	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands/status"
	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands/submit"
	"github.com/immune-gmbh/dsas/pkg/observability"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

var (
	knownCommands = map[string]commands.Command{
		"machines":     &machines.Command{},
		"set_settings": &set_settings.Command{},
		"status":       &status.Command{},
		"submit":       &submit.Command{},
	}
	exitCode = 0
)

func usage(flagSet *flag.FlagSet) {
	flagSet.Usage()
	exitCode = 2 // the standard Go's exit-code on invalid flags
}

type flags struct {
	isQuiet      *bool
	loggingLevel logger.Level
	workDir      *string
}

func setupFlag() (*flag.FlagSet, *flags) {
	var f flags

	flagSet := flag.NewFlagSet("dsasctl", flag.ExitOnError)
	flagSet.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "syntax: dsasctl <command> [options] {arguments}\n")
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "\nPossible commands:\n")

		// sort commands
		var commandList []string
		for commandName := range knownCommands {
			commandList = append(commandList, commandName)
		}
		sort.Strings(commandList)

		// display commands
		for _, commandName := range commandList {
			command := knownCommands[commandName]
			_, _ = fmt.Fprintf(flag.CommandLine.Output(), "    dsasctl %-36s %s\n",
				fmt.Sprintf("%s %s", commandName, command.Usage()), command.Description())
		}
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "\n")

		// display options
		flagSet.PrintDefaults()
	}

	f.loggingLevel = logger.LevelWarning // the default value
	flagSet.Var(&f.loggingLevel, "log-level", "logging level")
	f.isQuiet = flagSet.Bool("quiet", false, "suppress stdout")
	f.workDir = flagSet.String("workdir", "/srv/dsas", "the sandbox work directory")
	return flagSet, &f
}

func main() {
	ctx, endFunc := context.WithCancel(context.Background())
	defer func() {
		// We want both: custom exitcode (which could be set only via `os.Exit`)
		// and working `defer`-s. So we have to put os.Exit into a defer.

		// Though we do not want to avoid printing panics, so:
		if event := errmon.ObserveRecoverCtx(ctx, recover()); event != nil {
			endFunc()
			beltctx.Flush(ctx)
			panic(event.PanicValue)
		}

		logger.FromCtx(ctx).Debugf("exitcode is %d", exitCode)
		endFunc()
		beltctx.Flush(ctx)
		os.Exit(exitCode)
	}()

	// Parse arguments

	flagSet, flags := setupFlag()
	_ = flagSet.Parse(os.Args[1:])

	if flagSet.NArg() < 1 {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "error: no command specified\n\n")
		usage(flagSet)
		return
	}

	// Initialize everything
	ctx = observability.WithBelt(
		ctx,
		flags.loggingLevel,
		"DSASCTL", true,
	)

	commandName := flagSet.Arg(0)
	args := flagSet.Args()[1:]

	span, ctx := tracer.StartChildSpanFromCtx(ctx, commandName)
	defer span.Finish()

	paths, err := workdir.New(*flags.workDir)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		exitCode = 1
		return
	}
	cfg := commands.Config{
		IsQuiet: *flags.isQuiet,
		Paths:   paths,
	}

	logger.FromCtx(ctx).Debugf("cmd: '%s'; flags: %#+v; args: %v", commandName, flags, args)

	// Execute the command

	command := knownCommands[commandName]
	if command == nil {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "error: unknown command '%s'\n\n", commandName)
		usage(flagSet)
		return
	}

	flagSet = flag.NewFlagSet(commandName, flag.ExitOnError)
	flagSet.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "syntax: dsasctl %s [options] %s\n\nOptions:\n",
			commandName, command.Usage())
		flagSet.PrintDefaults()
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "\n")
	}
	command.SetupFlagSet(flagSet)
	_ = flagSet.Parse(args)

	err = command.Execute(ctx, cfg, flagSet.Args())
	if err != nil {
		var errArgs commands.ErrArgs
		if errors.As(err, &errArgs) {
			_, _ = fmt.Fprintf(flag.CommandLine.Output(), "%v\n\n", errArgs)
			usage(flagSet)
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		exitCode = 1
		var exitCoder commands.ExitCoder
		if errors.As(err, &exitCoder) {
			exitCode = exitCoder.ExitCode()
		}
	}
}
