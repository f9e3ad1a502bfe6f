package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rescale/rescale-xfer/internal/ratelimit"
)

// prompter reads answers line by line. EOF is treated as "accept the default"
// so a piped, partially filled stdin still completes.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) line(label, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	input, _ := p.in.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

func (p *prompter) String(label, def string) string {
	return p.line(label, def)
}

// Int re-asks until the answer is an integer in [lo, hi].
func (p *prompter) Int(label string, def, lo, hi int) int {
	for {
		v, err := strconv.Atoi(p.line(label, strconv.Itoa(def)))
		if err == nil && v >= lo && v <= hi {
			return v
		}
		fmt.Fprintf(p.out, "  Error: enter a number between %d and %d\n", lo, hi)
		if p.exhausted() {
			return def
		}
	}
}

func (p *prompter) Bool(label string, def bool) bool {
	d := "y/N"
	if def {
		d = "Y/n"
	}
	switch strings.ToLower(p.line(label, d)) {
	case "y", "yes", "true":
		return true
	case "n", "no", "false":
		return false
	default:
		return def
	}
}

func (p *prompter) Duration(label string, def time.Duration) time.Duration {
	for {
		v, err := time.ParseDuration(p.line(label, def.String()))
		if err == nil && v >= 0 {
			return v
		}
		fmt.Fprintln(p.out, "  Error: enter a duration such as 500ms, 2s or 1m")
		if p.exhausted() {
			return def
		}
	}
}

// Rate accepts a bandwidth such as 500K or 2M and returns bytes per second.
func (p *prompter) Rate(label string, def int64) int64 {
	for {
		v, err := ratelimit.ParseRate(p.line(label, strconv.FormatInt(def, 10)))
		if err == nil {
			return v
		}
		fmt.Fprintln(p.out, "  Error: enter a rate such as 500K, 2M or 0")
		if p.exhausted() {
			return def
		}
	}
}

func (p *prompter) exhausted() bool {
	_, err := p.in.Peek(1)
	return err != nil
}
