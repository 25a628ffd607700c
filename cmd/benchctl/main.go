// benchctl is the operator-facing CLI for the benchmark orchestration
// engine (spec §6): create/list/pause/resume/abort/wait against a
// running coordinator's HTTP surface. Grounded on the teacher's cmd/cli
// (urfave/cli command tree, fatih/color for status coloring,
// vbauerster/mpb/v4 for the wait-command progress bar, golang.org/x/term
// for detecting a non-interactive terminal before drawing one).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
	"golang.org/x/term"
	"gopkg.in/yaml.v2"

	"github.com/mute/escoord/cmn"
)

// Exit codes: 0 success, 2 a usage/input error or any failed request to the
// coordinator (HTTP errors included), 3 the benchmark itself ended FAILED
// or ABORTED (reported by `wait` only).
const (
	exitOK         = 0
	exitUsageError = 2
	exitBenchFailed = 3
)

func main() {
	app := cli.NewApp()
	app.Name = "benchctl"
	app.Usage = "drive benchmark runs against an escoord coordinator"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "coordinator base URL"},
	}
	app.Commands = []cli.Command{
		startCmd,
		listCmd,
		statusCmd,
		resultCmd,
		pauseCmd,
		resumeCmd,
		abortCmd,
		waitCmd,
	}
	app.ExitErrHandler = func(*cli.Context, error) {} // we set exit codes ourselves

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(color.Error, color.RedString("error: %v", err))
		code := exitUsageError
		if ec, ok := err.(cli.ExitCoder); ok {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}

func clientFrom(c *cli.Context) *client {
	return newClient(c.GlobalString("url"))
}

var startCmd = cli.Command{
	Name:      "start",
	Usage:     "create a benchmark from a JSON or YAML definition file",
	ArgsUsage: "<definition-file>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("start requires exactly one definition file", exitUsageError)
		}
		def, err := loadDefinition(c.Args().Get(0))
		if err != nil {
			return cli.NewExitError(err.Error(), exitUsageError)
		}
		id, err := clientFrom(c).startBenchmark(context.Background(), def)
		if err != nil {
			return cli.NewExitError(err.Error(), exitUsageError)
		}
		fmt.Println(color.GreenString(id))
		return nil
	},
}

var listCmd = cli.Command{
	Name:  "list",
	Usage: "list every benchmark the coordinator currently knows about",
	Action: func(c *cli.Context) error {
		entries, err := clientFrom(c).listBenchmarks(context.Background())
		if err != nil {
			return cli.NewExitError(err.Error(), exitUsageError)
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\n", e.BenchmarkID, colorState(e.State))
		}
		return nil
	},
}

var statusCmd = cli.Command{
	Name:      "status",
	ArgsUsage: "<benchmark-id>",
	Action: func(c *cli.Context) error {
		id, err := requireID(c)
		if err != nil {
			return err
		}
		entry, err := clientFrom(c).status(context.Background(), id)
		if err != nil {
			return cli.NewExitError(err.Error(), exitUsageError)
		}
		printEntry(entry)
		return nil
	},
}

var resultCmd = cli.Command{
	Name:      "result",
	ArgsUsage: "<benchmark-id>",
	Action: func(c *cli.Context) error {
		id, err := requireID(c)
		if err != nil {
			return err
		}
		res, err := clientFrom(c).result(context.Background(), id)
		if err != nil {
			return cli.NewExitError(err.Error(), exitUsageError)
		}
		out, _ := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var pauseCmd = actionCmd("pause", func(c *client, ctx context.Context, id string) error { return c.pause(ctx, id) })
var resumeCmd = actionCmd("resume", func(c *client, ctx context.Context, id string) error { return c.resume(ctx, id) })
var abortCmd = actionCmd("abort", func(c *client, ctx context.Context, id string) error { return c.abort(ctx, id) })

func actionCmd(name string, fn func(*client, context.Context, string) error) cli.Command {
	return cli.Command{
		Name:      name,
		ArgsUsage: "<benchmark-id>",
		Action: func(c *cli.Context) error {
			id, err := requireID(c)
			if err != nil {
				return err
			}
			if err := fn(clientFrom(c), context.Background(), id); err != nil {
				return cli.NewExitError(err.Error(), exitUsageError)
			}
			fmt.Println(color.GreenString("ok"))
			return nil
		},
	}
}

var waitCmd = cli.Command{
	Name:      "wait",
	Usage:     "poll a benchmark until it reaches a terminal state",
	ArgsUsage: "<benchmark-id>",
	Flags: []cli.Flag{
		cli.DurationFlag{Name: "poll", Value: 500 * time.Millisecond},
		cli.DurationFlag{Name: "timeout", Usage: "give up polling after this long (the benchmark itself keeps running - spec §5)"},
	},
	Action: func(c *cli.Context) error {
		id, err := requireID(c)
		if err != nil {
			return err
		}
		cl := clientFrom(c)
		interactive := term.IsTerminal(int(os.Stdout.Fd()))

		var deadline <-chan time.Time
		if d := c.Duration("timeout"); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			deadline = timer.C
		}

		var bar *mpb.Bar
		var progress *mpb.Progress
		if interactive {
			progress = mpb.New(mpb.WithWidth(40))
			bar = progress.AddBar(-1, mpb.PrependDecorators(decor.Name(id)), mpb.AppendDecorators(decor.Elapsed(decor.ET_STYLE_GO)))
		}

		ticker := time.NewTicker(c.Duration("poll"))
		defer ticker.Stop()
		for {
			select {
			case <-deadline:
				if progress != nil {
					progress.Wait()
				}
				// Timing out never rolls back cluster state (spec §7
				// TimeoutError / §5): the benchmark is left running and a
				// later `wait`/`status` call can still observe it.
				return cli.NewExitError((&cmn.TimeoutError{BenchmarkID: id}).Error(), exitUsageError)
			case <-ticker.C:
			}
			entry, err := cl.status(context.Background(), id)
			if err != nil {
				return cli.NewExitError(err.Error(), exitUsageError)
			}
			if bar != nil {
				bar.Increment()
			}
			if !entry.State.Terminal() {
				continue
			}
			if progress != nil {
				progress.Wait()
			}
			printEntry(entry)
			if entry.State == cmn.Completed {
				return nil
			}
			return cli.NewExitError(fmt.Sprintf("benchmark ended in state %s", entry.State), exitBenchFailed)
		}
	},
}

func requireID(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.NewExitError(c.Command.Name+" requires exactly one benchmark id", exitUsageError)
	}
	return c.Args().Get(0), nil
}

func printEntry(e *cmn.Entry) {
	fmt.Printf("%s\t%s\n", e.BenchmarkID, colorState(e.State))
	for node, st := range e.NodeStateMap {
		fmt.Printf("  %s\t%s\n", node, st)
	}
}

func colorState(st cmn.GlobalState) string {
	switch st {
	case cmn.Completed:
		return color.GreenString(string(st))
	case cmn.Failed, cmn.Aborted:
		return color.RedString(string(st))
	default:
		return color.YellowString(string(st))
	}
}

func loadDefinition(path string) (*cmn.BenchmarkDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def cmn.BenchmarkDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}
