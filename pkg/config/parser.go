package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sunlightlinux/rlinit/internal/util"
	"github.com/sunlightlinux/rlinit/pkg/logging"
	"github.com/sunlightlinux/rlinit/pkg/svc"
)

// Registrar receives service-like directives. Implemented by the service
// registry.
type Registrar interface {
	Register(t svc.RecordType, spec, user string) (*svc.Record, error)
}

// RunFunc executes a helper command (modprobe, mknod) with a progress
// description. The bootstrap driver provides the implementation; a nil
// RunFunc turns those directives into no-ops, which tests rely on.
type RunFunc func(desc string, argv ...string)

// CheckFunc invokes a filesystem check on a device (the legacy `check`
// directive).
type CheckFunc func(dev string)

// Parser parses the declarative configuration into SystemState scalars
// and registry registrations.
type Parser struct {
	State    *SystemState
	Services Registrar
	Logger   *logging.Logger

	// Collaborators for directives with side effects.
	Run   RunFunc
	Check CheckFunc

	// FstabPassno reports the fstab passno for a device, so the parser
	// can warn when a `check` directive overlaps fstab-driven fsck.
	FstabPassno func(dev string) int
}

// directive maps a line prefix to its handler. Ordinary functions in a
// table, so adding a directive stays a one-line change.
type directive struct {
	prefix  string
	handler func(p *Parser, arg string)
}

var directives = []directive{
	{"check", (*Parser).parseCheck},
	{"user", (*Parser).parseUser},
	{"host", (*Parser).parseHost},
	{"module", (*Parser).parseModule},
	{"mknod", (*Parser).parseMknod},
	{"network", (*Parser).parseNetwork},
	{"runparts", (*Parser).parseRunparts},
	{"startx", (*Parser).parseStartx},
	{"shutdown", (*Parser).parseShutdown},
	{"runlevel", (*Parser).parseRunlevel},
	{"service", (*Parser).parseService},
	{"task", (*Parser).parseTask},
	{"run", (*Parser).parseRun},
	{"console", (*Parser).parseConsole},
	{"tty", (*Parser).parseTTY},
}

// ParseFile parses one configuration file. A missing file is not an
// error: defaults apply and the boot continues.
func (p *Parser) ParseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			p.Logger.Info("No configuration file %s, using defaults", path)
			return nil
		}
		return err
	}
	defer f.Close()

	return p.Parse(f, path)
}

// ParseDir parses every *.conf file in dir, in lexical order. A missing
// directory is fine.
func (p *Parser) ParseDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := p.ParseFile(filepath.Join(dir, name)); err != nil {
			p.Logger.Error("Parsing %s: %v", name, err)
		}
	}
	return nil
}

// Parse reads configuration lines from r. Config errors are surfaced to
// the log and the offending line skipped; only read errors propagate.
func (p *Parser) Parse(r io.Reader, filename string) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := util.StripLine(scanner.Text())
		if line == "" {
			continue
		}
		p.parseLine(line, filename, lineNum)
	}

	return scanner.Err()
}

func (p *Parser) parseLine(line, filename string, lineNum int) {
	for _, d := range directives {
		rest, ok := matchDirective(line, d.prefix)
		if !ok {
			continue
		}
		d.handler(p, rest)
		return
	}

	p.Logger.Warn("%s:%d: unknown directive %q, ignoring", filename, lineNum, firstWord(line))
}

// matchDirective returns the argument when line begins with the directive
// word followed by whitespace (or is exactly the word).
func matchDirective(line, word string) (string, bool) {
	if !strings.HasPrefix(line, word) {
		return "", false
	}
	rest := line[len(word):]
	if rest == "" {
		return "", true
	}
	if rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func firstWord(line string) string {
	if idx := strings.IndexAny(line, " \t"); idx >= 0 {
		return line[:idx]
	}
	return line
}

// --- Directive handlers ---

func (p *Parser) parseCheck(arg string) {
	if arg == "" {
		p.Logger.Warn("check directive without device, ignoring")
		return
	}
	if p.FstabPassno != nil && p.FstabPassno(arg) > 0 {
		p.Logger.Warn("check %s overlaps fstab passno entry; device will be checked twice", arg)
	}
	if p.Check != nil {
		p.Check(arg)
	}
}

func (p *Parser) parseUser(arg string) {
	if arg != "" {
		p.State.Username = arg
	}
}

func (p *Parser) parseHost(arg string) {
	if arg != "" {
		p.State.Hostname = arg
	}
}

func (p *Parser) parseModule(arg string) {
	if arg == "" {
		return
	}
	if p.Run != nil {
		args := append([]string{"modprobe"}, strings.Fields(arg)...)
		p.Run("Loading kernel module "+firstWord(arg), args...)
	}
}

func (p *Parser) parseMknod(arg string) {
	if arg == "" {
		return
	}
	if p.Run != nil {
		args := append([]string{"mknod"}, strings.Fields(arg)...)
		p.Run("Creating device node "+firstWord(arg), args...)
	}
}

func (p *Parser) parseNetwork(arg string) {
	p.State.Network = arg
}

func (p *Parser) parseRunparts(arg string) {
	p.State.Runparts = arg
}

func (p *Parser) parseStartx(arg string) {
	p.register(svc.TypeService, arg, p.State.Username)
}

func (p *Parser) parseShutdown(arg string) {
	p.State.Shutdown = arg
}

// parseRunlevel applies the configured default runlevel. The valid domain
// is 1..9 excluding 6 (reboot); anything else falls back to 2.
func (p *Parser) parseRunlevel(arg string) {
	n, ok := util.ParseInt(arg, 1, 9)
	if !ok || n == 6 {
		p.Logger.Warn("Invalid runlevel %q, falling back to %d", arg, DefaultRunlevel)
		n = DefaultRunlevel
	}
	p.State.CfgLevel = n
}

func (p *Parser) parseService(arg string) {
	p.register(svc.TypeService, arg, "")
}

func (p *Parser) parseTask(arg string) {
	p.register(svc.TypeTask, arg, "")
}

func (p *Parser) parseRun(arg string) {
	p.register(svc.TypeRun, arg, "")
}

func (p *Parser) parseConsole(arg string) {
	if arg != "" {
		p.State.Console = arg
	}
}

// parseTTY records a TTY line: device plus optional baud rate.
func (p *Parser) parseTTY(arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		p.Logger.Warn("tty directive without device, ignoring")
		return
	}

	line := TTYLine{Device: fields[0], Baud: DefaultBaud}
	if len(fields) > 1 {
		if baud, ok := util.ParseInt(fields[1], 50, 4000000); ok {
			line.Baud = baud
		} else {
			p.Logger.Warn("tty %s: invalid baud %q, using %d", line.Device, fields[1], DefaultBaud)
		}
	}

	p.State.TTYs = append(p.State.TTYs, line)
}

func (p *Parser) register(t svc.RecordType, spec, user string) {
	if p.Services == nil {
		return
	}
	if _, err := p.Services.Register(t, spec, user); err != nil {
		p.Logger.Error("Skipping %s directive: %v", t, err)
	}
}
