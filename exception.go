package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	log "github.com/sirupsen/logrus"
)

type Severity int

const (
	SeverityInformation Severity = iota + 1
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInformation:
		return "Information"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	case SeverityFatal:
		return "Fatal"
	}
	return "Unknown"
}

// Option is one answer a confirmation event may be resolved to.
type Option int

const (
	// OptionUnhandled leaves the decision to the service that raised the
	// event, which treats it as a failure.
	OptionUnhandled Option = iota
	OptionFix
	OptionYes
	OptionNo
	OptionOK
	OptionRetry
	OptionIgnore
	OptionCancel
)

// optionOrder is the order options are offered and matched in.
var optionOrder = []Option{
	OptionFix,
	OptionYes,
	OptionNo,
	OptionOK,
	OptionRetry,
	OptionIgnore,
	OptionCancel,
}

func (o Option) String() string {
	switch o {
	case OptionFix:
		return "Fix"
	case OptionYes:
		return "Yes"
	case OptionNo:
		return "No"
	case OptionOK:
		return "OK"
	case OptionRetry:
		return "Retry"
	case OptionIgnore:
		return "Ignore"
	case OptionCancel:
		return "Cancel"
	}
	return "Unhandled"
}

// OptionSet is the set of answers offered with an event.
type OptionSet map[Option]struct{}

func newOptionSet(options ...Option) OptionSet {
	s := make(OptionSet, len(options))
	for _, o := range options {
		s[o] = struct{}{}
	}
	return s
}

func (s OptionSet) Has(o Option) bool {
	_, ok := s[o]
	return ok
}

// ordered lists the members of s in optionOrder.
func (s OptionSet) ordered() []Option {
	var out []Option
	for _, o := range optionOrder {
		if s.Has(o) {
			out = append(out, o)
		}
	}
	return out
}

func (s OptionSet) isIgnoreCancel() bool {
	return len(s) == 2 && s.Has(OptionIgnore) && s.Has(OptionCancel)
}

// ConfirmationEvent is a warning or error raised by the disk services that
// needs a decision before the operation can go on.
type ConfirmationEvent struct {
	Severity Severity
	Message  string
	Options  OptionSet
}

// ExceptionHandler resolves confirmation events.
type ExceptionHandler interface {
	Handle(ev ConfirmationEvent) Option
}

type exceptionHandlerKey struct{}

// withExceptionHandler installs h for every service call made with the
// returned context.
func withExceptionHandler(ctx context.Context, h ExceptionHandler) context.Context {
	return context.WithValue(ctx, exceptionHandlerKey{}, h)
}

// throwException raises an event through the handler installed on ctx. With
// no handler installed the event is logged and left unhandled.
func throwException(ctx context.Context, severity Severity, options OptionSet, format string, args ...interface{}) Option {
	ev := ConfirmationEvent{
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
		Options:  options,
	}
	h, ok := ctx.Value(exceptionHandlerKey{}).(ExceptionHandler)
	if !ok {
		log.Warnf("%s: %s", ev.Severity, ev.Message)
		return OptionUnhandled
	}
	return h.Handle(ev)
}

// lineReader reads one line of user input after showing prompt. It returns
// io.EOF once input is exhausted.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

type bufferedLineReader struct {
	r   *bufio.Reader
	out io.Writer
}

func newBufferedLineReader(in io.Reader, out io.Writer) *bufferedLineReader {
	return &bufferedLineReader{r: bufio.NewReader(in), out: out}
}

func (b *bufferedLineReader) ReadLine(prompt string) (string, error) {
	fmt.Fprint(b.out, prompt)
	line, err := b.r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (b *bufferedLineReader) Close() error {
	return nil
}

// terminalLineReader prompts through readline, created on first use so runs
// that never ask leave the terminal alone.
type terminalLineReader struct {
	out io.Writer
	rl  *readline.Instance
}

func (t *terminalLineReader) ReadLine(prompt string) (string, error) {
	if t.rl == nil {
		rl, err := readline.NewEx(&readline.Config{
			Stdout:          t.out,
			InterruptPrompt: "^C",
		})
		if err != nil {
			return "", err
		}
		t.rl = rl
	}
	// readline redraws only the last prompt line.
	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		fmt.Fprint(t.out, prompt[:i+1])
		prompt = prompt[i+1:]
	}
	t.rl.SetPrompt(prompt)
	line, err := t.rl.Readline()
	if err == readline.ErrInterrupt {
		return "", io.EOF
	}
	return line, err
}

func (t *terminalLineReader) Close() error {
	if t.rl == nil {
		return nil
	}
	return t.rl.Close()
}

// exceptionMediator resolves events either by policy (force-yes) or by asking
// on the terminal.
type exceptionMediator struct {
	forceYes      bool
	quiet         bool
	stdinTerminal bool

	stdout io.Writer
	stderr io.Writer
	input  lineReader
}

func (m *exceptionMediator) Handle(ev ConfirmationEvent) Option {
	switch ev.Severity {
	case SeverityInformation, SeverityWarning:
		out := m.stdout
		if m.forceYes {
			out = m.stderr
		}
		fmt.Fprintf(out, "%s: %s\n", ev.Severity, ev.Message)

		if m.forceYes {
			return autoResolve(ev.Options)
		}
		return m.askForOption(ev)
	default:
		if !m.quiet || m.stdinTerminal {
			fmt.Fprintf(m.stderr, "%s: %s\n", ev.Severity, ev.Message)
		}
		return OptionCancel
	}
}

// autoResolve answers an event without asking: Ignore when offered Ignore or
// Cancel, the only option when there is just one, otherwise nothing.
func autoResolve(options OptionSet) Option {
	if options.isIgnoreCancel() {
		return OptionIgnore
	}
	if ordered := options.ordered(); len(ordered) == 1 {
		return ordered[0]
	}
	return OptionUnhandled
}

func (m *exceptionMediator) askForOption(ev ConfirmationEvent) Option {
	ordered := ev.Options.ordered()
	names := make([]string, 0, len(ordered))
	for _, o := range ordered {
		names = append(names, o.String())
	}
	prompt := "\n" + strings.Join(names, "/") + ": "

	for {
		line, err := m.input.ReadLine(prompt)
		if err != nil {
			if err != io.EOF {
				log.Debugf("reading answer: %v", err)
			}
			return OptionCancel
		}
		for _, o := range ordered {
			if strings.EqualFold(strings.TrimSpace(line), o.String()) {
				return o
			}
		}
	}
}
