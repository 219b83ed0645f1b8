package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const usageTemplate = `Usage: {{.CommandPath}} [options] device (e.g. /dev/hda1, /dev/sda2)
    Resize an FAT16/FAT32 volume non-destructively:

{{.LocalFlags.FlagUsages}}
`

// newServices builds the disk layer used by execute.
var newServices = func() Services { return nativeServices{} }

// cli carries the parsed flags and the streams of one invocation.
type cli struct {
	size      string
	info      bool
	forceYes  bool
	partition int
	progress  bool
	// verbose is -1 after -q and counts up with every -v given after it.
	verbose int
	backup    string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	code   int
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs fatresize with args and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	cmd := c.command()
	if len(args) == 0 {
		_ = cmd.Help()
		return 0
	}
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		_ = cmd.Usage()
		return 1
	}
	return c.code
}

func (c *cli) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "fatresize",
		Short:             "Resize an FAT16/FAT32 volume non-destructively",
		Version:           appversion,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Args:              cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.code = c.run(cmd, args)
			return nil
		},
	}
	cmd.SetIn(c.stdin)
	cmd.SetOut(c.stdout)
	cmd.SetErr(c.stderr)
	cmd.SetUsageTemplate(usageTemplate)

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.StringVarP(&c.size, "size", "s", "", `Resize volume to SIZE[k|M|G|ki|Mi|Gi] bytes or "max"`)
	flags.BoolVarP(&c.info, "info", "i", false, "Show volume information")
	flags.BoolVarP(&c.forceYes, "force-yes", "f", false, "Do not ask questions")
	flags.IntVarP(&c.partition, "partition", "n", -1, "Specify partition number")
	flags.BoolVarP(&c.progress, "progress", "p", false, "Show progress")
	addVerbosityFlags(flags, &c.verbose)
	flags.StringVarP(&c.backup, "backup", "b", "", "Save the metadata a resize rewrites to FILE (.gz, .bz2, .zst, ...)")
	return cmd
}

func (c *cli) run(cmd *cobra.Command, args []string) int {
	setupLogging(c.verbose, c.stdout)

	opts := resizeOptions{
		partition: c.partition,
		info:      c.info,
		forceYes:  c.forceYes,
		progress:  c.progress,
		verbose:   c.verbose,
		backup:    c.backup,
	}

	if c.size != "" {
		size, err := parseSize(c.size)
		if err != nil {
			log.Debug(err)
			fmt.Fprintln(c.stderr, "Illegal new volume size")
			_ = cmd.Usage()
			return 1
		}
		opts.size = size
	}

	if !c.quiet() {
		fmt.Fprintf(c.stdout, "fatresize %s\n", appversion)
	}

	ctx := context.Background()
	r := newResizer(opts, newServices(), c.stdout)
	if len(args) != 1 {
		fmt.Fprintln(c.stderr, "You must specify exactly one existing device.")
		return 1
	}
	if err := r.resolveDevice(ctx, args[0]); err != nil {
		log.Debug(err)
		fmt.Fprintln(c.stderr, "You must specify exactly one existing device.")
		return 1
	}
	if r.opts.size == 0 && !r.opts.info {
		fmt.Fprintln(c.stderr, "You must specify new size.")
		return 1
	}

	mediator := c.mediator()
	defer mediator.input.Close()

	err := r.run(withExceptionHandler(ctx, mediator))
	reportFailure(err)
	return exitCode(err)
}

func (c *cli) quiet() bool {
	return c.verbose < 0
}

// verbosityValue backs -q and -v. Both write one level, so they apply in the
// order given on the command line.
type verbosityValue struct {
	level *int
	quiet bool
}

func (v *verbosityValue) Set(s string) error {
	if v.quiet {
		on, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		if on {
			*v.level = -1
		}
		return nil
	}
	if s == "+1" {
		*v.level++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v.level = n
	return nil
}

func (v *verbosityValue) String() string {
	if v.quiet {
		return strconv.FormatBool(*v.level < 0)
	}
	return strconv.Itoa(*v.level)
}

func (v *verbosityValue) Type() string {
	if v.quiet {
		return "bool"
	}
	return "count"
}

func addVerbosityFlags(flags *pflag.FlagSet, level *int) {
	flags.VarPF(&verbosityValue{level: level, quiet: true}, "quiet", "q", "Be quiet").NoOptDefVal = "true"
	flags.VarPF(&verbosityValue{level: level}, "verbose", "v", "Verbose, repeat for more detail").NoOptDefVal = "+1"
}

// mediator answers confirmation events on the invoking terminal, or from
// piped input when stdin is not one.
func (c *cli) mediator() *exceptionMediator {
	m := &exceptionMediator{
		forceYes: c.forceYes,
		quiet:    c.quiet(),
		stdout:   c.stdout,
		stderr:   c.stderr,
	}
	if f, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		m.stdinTerminal = true
		m.input = &terminalLineReader{out: c.stdout}
	} else {
		m.input = newBufferedLineReader(c.stdin, c.stdout)
	}
	return m
}

// reportFailure logs err unless the user has already been told through a
// confirmation event.
func reportFailure(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFatFilesystem), errors.Is(err, ErrPartitionBusy), errors.Is(err, ErrUserCancelled):
		log.Debug(err)
	default:
		log.Error(err)
	}
}
