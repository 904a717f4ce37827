// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb"
	cli "github.com/jawher/mow.cli"
)

type action interface {
	init() error
	newProgressBar() (bar *pb.ProgressBar)
	updateProgress(bar *pb.ProgressBar)
	start(termWriter io.Writer, logWriter *log.Logger) (doneChan chan error, err error)
	abort()
	printFinalStats(w io.Writer)
}

type progressLogger interface {
	logProgress(logger *log.Logger)
}

// actionRunner handles running an action which may take a while to complete
// providing progress bars and signal handling.
func actionRunner(cmd *cli.Cmd, action action) func() {
	cmd.Spec = "[--silent] [--no-progress] [--log] " + cmd.Spec
	silent := cmd.Bool(cli.BoolOpt{
		Name:   "silent",
		Value:  false,
		Desc:   "Set to true to disable all non-error and non-log output",
		EnvVar: "SILENT",
	})
	noProgress := cmd.Bool(cli.BoolOpt{
		Name:   "no-progress",
		Value:  false,
		Desc:   "Set to true to disable the progress bar",
		EnvVar: "NO_PROGRESS",
	})
	logTarget := cmd.String(cli.StringOpt{
		Name:   "log",
		Value:  "",
		Desc:   "Set to a filename or --log=- for stdout; defaults to no log output",
		EnvVar: "LOG_TARGET",
	})

	return func() {
		termWriter := io.Writer(os.Stderr)
		if *silent {
			termWriter = ioutil.Discard
		}

		logger, closeLog, err := openLog(*logTarget)
		if err != nil {
			fail("could not open logfile for write: %s", err)
		}
		defer closeLog()

		var logTicker <-chan time.Time
		if _, ok := action.(progressLogger); ok && *logTarget != "" {
			logTicker = time.Tick(logFrequency)
		}

		if err := action.init(); err != nil {
			fail("Initialization failed: %v", err)
		}

		done, err := action.start(termWriter, logger)
		if err != nil {
			fail("Startup failed: %v", err)
		}

		var bar *pb.ProgressBar
		var progressTicker <-chan time.Time
		if !*silent && !*noProgress {
			if bar = startProgressBar(action); bar != nil {
				progressTicker = time.Tick(statsFrequency)
			}
		}

		finishBar := func(update bool) {
			if bar == nil {
				return
			}
			if update {
				action.updateProgress(bar)
			}
			bar.Finish()
			bar, progressTicker = nil, nil
		}

		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigchan)

		var runErr error
		for finished := false; !finished; {
			select {
			case <-progressTicker:
				action.updateProgress(bar)
				bar.Update()

			case <-logTicker:
				action.(progressLogger).logProgress(logger)

			case <-sigchan:
				finishBar(false)
				fmt.Fprint(termWriter, "\nAborting..")
				action.abort()
				runErr = <-done
				fmt.Fprintln(termWriter, "Aborted.")
				finished = true

			case runErr = <-done:
				finishBar(true)
				finished = true
			}
		}

		if !*silent {
			action.printFinalStats(termWriter)
		}
		if runErr != nil {
			fail("Processing failed: %v", runErr)
		}
	}
}

// openLog returns a logger for the --log target: "-" for stdout, a
// filename to append to, or "" to discard log output.
func openLog(target string) (logger *log.Logger, closeLog func(), err error) {
	switch target {
	case "":
		return log.New(ioutil.Discard, "", log.LstdFlags), func() {}, nil
	case "-":
		return log.New(os.Stdout, "", log.LstdFlags), func() {}, nil
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return nil, nil, err
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}

// startProgressBar starts the action's progress bar on stderr.  It returns
// nil if the action has nothing to track.
func startProgressBar(action action) *pb.ProgressBar {
	bar := action.newProgressBar()
	if bar == nil {
		return nil
	}
	bar.Output = os.Stderr
	bar.ShowSpeed = true
	bar.ManualUpdate = true
	bar.SetMaxWidth(78)
	bar.Start()
	bar.Update()
	return bar
}
