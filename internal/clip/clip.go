// Package clip copies crash report text for pasting into a bug tracker. It
// tries the native clipboard, then the terminal's OSC52 clipboard, and
// falls back to a temp file.
package clip

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"
)

// Method is how the text was made available.
type Method string

const (
	MethodNative Method = "native"
	MethodOSC52  Method = "osc52"
	MethodFile   Method = "file"
)

// Result reports where the text went. FilePath is set for MethodFile.
type Result struct {
	Method   Method
	FilePath string
}

// Terminals may drop larger OSC52 payloads.
const osc52LimitBytes = 100_000

// Copier copies text using the first mechanism that works.
type Copier struct {
	native     func(text string) error
	terminal   io.Writer
	isTerminal func() bool
	getenv     func(key string) string
	tempDir    string
}

// New returns a Copier for the current process. OSC52 sequences go to
// stderr so they never mix with command output on stdout.
func New() *Copier {
	return &Copier{
		native: func(text string) error {
			if atotto.Unsupported {
				return errors.New("no native clipboard")
			}
			return atotto.WriteAll(text)
		},
		terminal:   os.Stderr,
		isTerminal: func() bool { return term.IsTerminal(int(os.Stderr.Fd())) },
		getenv:     os.Getenv,
	}
}

// Copy makes text available to paste.
func (c *Copier) Copy(text string) (Result, error) {
	if text == "" {
		return Result{}, errors.New("nothing to copy")
	}
	if err := c.native(text); err == nil {
		return Result{Method: MethodNative}, nil
	}
	if err := c.writeOSC52(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}

	path, err := c.writeTempFile(text)
	if err != nil {
		return Result{}, fmt.Errorf("no clipboard available and temp file failed: %w", err)
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

func (c *Copier) writeOSC52(text string) error {
	if !c.isTerminal() {
		return errors.New("not a terminal")
	}
	if len(text) > osc52LimitBytes {
		return fmt.Errorf("text too large for OSC52 (%d bytes > %d)", len(text), osc52LimitBytes)
	}

	seq := osc52.New(text).Limit(osc52LimitBytes)
	switch {
	case c.getenv("TMUX") != "":
		seq = seq.Tmux()
	case c.getenv("STY") != "":
		seq = seq.Screen()
	}
	_, err := seq.WriteTo(c.terminal)
	return err
}

// writeTempFile keeps the text private to the user; reports can hold
// command lines of other processes.
func (c *Copier) writeTempFile(text string) (path string, err error) {
	f, err := os.CreateTemp(c.tempDir, "crashwatch-report-*.txt")
	if err != nil {
		return "", err
	}
	path = f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return "", err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
