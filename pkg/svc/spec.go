package svc

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sunlightlinux/rlinit/pkg/pidfile"
)

// SpecError reports a malformed service spec. The registry is left
// unchanged when registration fails with one.
type SpecError struct {
	Spec    string
	Message string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid service spec %q: %s", e.Spec, e.Message)
}

// ParseSpec tokenizes a declarative service spec:
//
//	[2345] <pid/foo,net/up> name:bar :1 pid:!/run/bar.pid user:nobody \
//	       cgroup.system /usr/sbin/bar -opt arg -- Bar daemon
//
// The leading bracket group is the runlevel mask, the angle group the
// required conditions, then key:value options, then the command line.
// Everything after " -- " is the description.
func ParseSpec(t RecordType, spec string) (*Record, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, &SpecError{Spec: spec, Message: "empty spec"}
	}

	r := &Record{
		Type:      t,
		Runlevels: DefaultMask,
	}

	body := spec
	if idx := strings.Index(spec, " -- "); idx >= 0 {
		body = spec[:idx]
		r.Description = strings.TrimSpace(spec[idx+4:])
	}

	tokens := strings.Fields(body)
	i := 0

	if i < len(tokens) && strings.HasPrefix(tokens[i], "[") {
		tok := tokens[i]
		if !strings.HasSuffix(tok, "]") {
			return nil, &SpecError{Spec: spec, Message: "unterminated runlevel mask"}
		}
		mask, err := ParseMask(tok[1 : len(tok)-1])
		if err != nil {
			return nil, &SpecError{Spec: spec, Message: err.Error()}
		}
		r.Runlevels = mask
		i++
	}

	if i < len(tokens) && strings.HasPrefix(tokens[i], "<") {
		tok := tokens[i]
		if !strings.HasSuffix(tok, ">") {
			return nil, &SpecError{Spec: spec, Message: "unterminated condition list"}
		}
		for _, c := range strings.Split(tok[1:len(tok)-1], ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				r.Conditions = append(r.Conditions, c)
			}
		}
		i++
	}

	var pidArg string
	for ; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case strings.HasPrefix(tok, "name:"):
			r.Name = tok[len("name:"):]
		case strings.HasPrefix(tok, ":"):
			r.Instance = tok[1:]
		case tok == "pid" || strings.HasPrefix(tok, "pid:"):
			pidArg = tok
		case strings.HasPrefix(tok, "user:"):
			r.User = tok[len("user:"):]
		case strings.HasPrefix(tok, "group:"):
			r.Group = tok[len("group:"):]
		case strings.HasPrefix(tok, "cwd:"):
			r.WorkingDir = tok[len("cwd:"):]
		case strings.HasPrefix(tok, "cgroup."):
			r.Cgroup = tok[len("cgroup."):]
		default:
			// First non-option token starts the command line.
			r.Cmd = tokens[i:]
			i = len(tokens)
		}
	}

	if len(r.Cmd) == 0 {
		return nil, &SpecError{Spec: spec, Message: "missing command"}
	}

	if r.Name == "" {
		r.Name = filepath.Base(r.Cmd[0])
	}

	if pidArg != "" {
		path, managed, err := pidfile.Parse(r.Name, pidArg)
		if err != nil {
			return nil, &SpecError{Spec: spec, Message: err.Error()}
		}
		r.PIDFile = path
		r.PIDFileManaged = managed
	}

	// A record declared only for runlevel S exists for bootstrap alone.
	r.Bootstrap = r.Runlevels.BootstrapOnly()

	return r, nil
}

// Serialize renders the record back into its canonical spec form, such
// that ParseSpec(Serialize(r)) reproduces r.
func Serialize(r *Record) string {
	var b strings.Builder

	b.WriteString(r.Runlevels.String())

	if len(r.Conditions) > 0 {
		b.WriteString(" <")
		b.WriteString(strings.Join(r.Conditions, ","))
		b.WriteByte('>')
	}

	b.WriteString(" name:")
	b.WriteString(r.Name)

	if r.Instance != "" {
		b.WriteString(" :")
		b.WriteString(r.Instance)
	}
	if r.PIDFile != "" {
		b.WriteString(" pid:")
		if !r.PIDFileManaged {
			b.WriteByte('!')
		}
		b.WriteString(r.PIDFile)
	}
	if r.User != "" {
		b.WriteString(" user:")
		b.WriteString(r.User)
	}
	if r.Group != "" {
		b.WriteString(" group:")
		b.WriteString(r.Group)
	}
	if r.WorkingDir != "" {
		b.WriteString(" cwd:")
		b.WriteString(r.WorkingDir)
	}
	if r.Cgroup != "" {
		b.WriteString(" cgroup.")
		b.WriteString(r.Cgroup)
	}

	b.WriteByte(' ')
	b.WriteString(strings.Join(r.Cmd, " "))

	if r.Description != "" {
		b.WriteString(" -- ")
		b.WriteString(r.Description)
	}

	return b.String()
}
