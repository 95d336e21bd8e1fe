package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"mlc-go/internal/mlc"
)

var readPassword = term.ReadPassword

// promptPassphrase reads a passphrase from the terminal without echo.
func promptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("a passphrase is required but stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := readPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// promptNewPassphrase reads a passphrase twice and requires both to match.
func promptNewPassphrase() (string, error) {
	first, err := promptPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(first) == "" {
		return "", errors.New("passphrase cannot be empty")
	}
	second, err := promptPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

// progressLine renders progress on one line. On a terminal the line is
// redrawn in place; otherwise only whole-ten-percent steps are printed.
type progressLine struct {
	w       io.Writer
	tty     bool
	label   string
	lastPct int
	drawn   bool
}

func newProgressLine(w io.Writer, label string, tty bool) *progressLine {
	return &progressLine{w: w, tty: tty, label: label, lastPct: -1}
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// install renders byte progress of an install.
func (p *progressLine) install(u mlc.InstallProgress) {
	pct := int(u.Fraction() * 100)
	text := fmt.Sprintf("%s %3d%%  %s / %s", p.label, pct, formatBytes(u.BytesWritten), formatBytes(u.TotalBytes))
	if p.tty {
		p.redraw(text)
		return
	}
	if step := pct / 10 * 10; step > p.lastPct {
		p.lastPct = step
		fmt.Fprintln(p.w, text)
	}
}

// bytes renders a running byte count without a known total.
func (p *progressLine) bytes(n uint64) {
	if !p.tty {
		return
	}
	p.redraw(fmt.Sprintf("%s %s", p.label, formatBytes(n)))
}

func (p *progressLine) redraw(text string) {
	fmt.Fprintf(p.w, "\r\033[K%s", text)
	p.drawn = true
}

// done ends a redrawn line so that the next output starts on a fresh line.
func (p *progressLine) done() {
	if p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
)

func printOK(format string, args ...any) {
	okColor.Printf(format+"\n", args...)
}

func printWarn(format string, args ...any) {
	warnColor.Printf(format+"\n", args...)
}

func statusColor(status mlc.OperationStatus) func(format string, a ...any) string {
	switch status {
	case mlc.StatusFinished:
		return color.GreenString
	case mlc.StatusStarted, mlc.StatusCancelled:
		return color.YellowString
	default:
		return color.RedString
	}
}
