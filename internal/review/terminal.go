package review

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"dtiqc/internal/proclog"
)

const terminalHelp = `Commands:
  p, pass          select Pass
  f, fail          select Fail
  e, edit          select Edit (requires changes to the overlay)
  c <text>         set a comment
  o, open          open the overlay editor
  r, reset         clear edits (restore the original overlay)
  w, submit        record the selected verdict
  s, skip          skip this case
  q, quit          leave without a verdict
  ?, help          show this help
`

// Terminal runs a review as a line-oriented prompt. Invalid selections are
// reported and the prompt repeats until a verdict is submitted, the case is
// skipped, or the reviewer quits.
type Terminal struct {
	in     io.Reader
	out    io.Writer
	editor Editor

	once  sync.Once
	lines chan string
}

// NewTerminal builds a terminal reviewer reading commands from in. editor may
// be nil.
func NewTerminal(in io.Reader, out io.Writer, editor Editor) *Terminal {
	return &Terminal{in: in, out: out, editor: editor}
}

func (t *Terminal) Review(ctx context.Context, req Request) (Verdict, error) {
	t.printf("\n== %s  %s ==\n", req.Code, req.Step)
	t.printf("image:   %s\n", req.ImagePath)
	t.printf("overlay: %s\n", req.OverlayPath)
	if req.EditEnabled {
		t.printf("editing: enabled (original kept at %s)\n", req.OriginalOverlayPath)
	}
	t.printf("%s", terminalHelp)

	var selected Verdict
	for {
		label := "none"
		if selected.Outcome != "" {
			label = string(selected.Outcome)
		}
		t.printf("[%s] > ", label)

		line, err := t.readLine(ctx)
		if errors.Is(err, io.EOF) {
			return Verdict{Outcome: proclog.OutcomeCancelled, Reason: proclog.ReasonExited, Comment: selected.Comment}, nil
		}
		if err != nil {
			return Verdict{}, err
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch strings.ToLower(cmd) {
		case "":
		case "p", "pass":
			selected.Outcome = t.pick(req, proclog.OutcomePass, selected.Outcome)
		case "f", "fail":
			selected.Outcome = t.pick(req, proclog.OutcomeFail, selected.Outcome)
		case "e", "edit":
			selected.Outcome = t.pick(req, proclog.OutcomeEdit, selected.Outcome)
		case "c", "comment":
			selected.Comment = strings.TrimSpace(arg)
		case "o", "open":
			t.openEditor(ctx, req)
		case "r", "reset":
			if !t.confirm(ctx, "Clear edits and restore the original overlay?") {
				continue
			}
			if err := ClearEdits(req); err != nil {
				t.problem(err)
				continue
			}
			if selected.Outcome == proclog.OutcomeEdit {
				selected.Outcome = ""
			}
			t.printf("edits cleared\n")
		case "w", "submit":
			if err := t.check(req, selected); err != nil {
				t.problem(err)
				continue
			}
			if !t.confirm(ctx, "Submit "+string(selected.Outcome)+"?") {
				continue
			}
			return selected, nil
		case "s", "skip":
			if t.confirm(ctx, "Skip this case?") {
				return Verdict{Outcome: proclog.OutcomeCancelled, Reason: proclog.ReasonSkipped, Comment: selected.Comment}, nil
			}
		case "q", "quit":
			if selected.Outcome != "" && !t.confirm(ctx, "Quit without saving?") {
				continue
			}
			return Verdict{Outcome: proclog.OutcomeCancelled, Reason: proclog.ReasonExited, Comment: selected.Comment}, nil
		case "?", "h", "help":
			t.printf("%s", terminalHelp)
		default:
			t.printf("unknown command %q (? for help)\n", cmd)
		}
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
	}
}

// pick validates a selection immediately so the reviewer learns about a
// mismatch with the overlay before submitting.
func (t *Terminal) pick(req Request, outcome, current proclog.Outcome) proclog.Outcome {
	if err := t.check(req, Verdict{Outcome: outcome}); err != nil {
		t.problem(err)
		return current
	}
	return outcome
}

func (t *Terminal) check(req Request, v Verdict) error {
	edited, err := Edited(req)
	if err != nil {
		return err
	}
	return Validate(req, v, edited)
}

func (t *Terminal) openEditor(ctx context.Context, req Request) {
	if t.editor == nil {
		t.problem(errors.New("no overlay editor configured"))
		return
	}
	t.printf("opening editor; close it to continue\n")
	if err := t.editor.Open(ctx, req.ImagePath, req.OverlayPath); err != nil {
		t.problem(err)
	}
}

func (t *Terminal) confirm(ctx context.Context, question string) bool {
	t.printf("%s [y/N] ", question)
	line, err := t.readLine(ctx)
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (t *Terminal) problem(err error) {
	msg := err.Error()
	r, size := utf8.DecodeRuneInString(msg)
	t.printf("Error: %c%s!\n", unicode.ToUpper(r), msg[size:])
}

func (t *Terminal) printf(format string, args ...any) {
	fmt.Fprintf(t.out, format, args...)
}

// readLine returns the next input line. The scanner runs in its own
// goroutine so a cancelled context does not wait on a blocked read.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.once.Do(func() {
		t.lines = make(chan string)
		go func() {
			defer close(t.lines)
			scanner := bufio.NewScanner(t.in)
			for scanner.Scan() {
				t.lines <- scanner.Text()
			}
		}()
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}
