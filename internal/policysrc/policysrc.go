// Package policysrc loads rate limit policy overrides from YAML, either a
// local file or an AWS SSM parameter, and merges them onto the presets.
//
//	policies:
//	  api:    {limit: 120, window: 1m}
//	  export: {limit: 5, window: 10m, skip_prefixes: ["internal:"]}
package policysrc

import (
	"bytes"
	"errors"
	"io"
	"maps"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/windowgate/internal/ratelimit"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// maxDocumentSize bounds what we accept from a file or parameter
const maxDocumentSize = 64 << 10

type document struct {
	Policies map[string]entry `yaml:"policies"`
}

type entry struct {
	// Limit and Window may be omitted when overriding a preset
	Limit        int      `yaml:"limit"`
	Window       string   `yaml:"window"`
	SkipPrefixes []string `yaml:"skip_prefixes"`
}

// Parse overlays the policies in data onto base and validates the result.
// base is not modified. Unknown fields are rejected so typos fail startup.
func Parse(data []byte, base map[string]ratelimit.Policy) (map[string]ratelimit.Policy, error) {
	if len(data) > maxDocumentSize {
		return nil, xerrors.Newf("policy document is %d bytes, limit is %d", len(data), maxDocumentSize)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(err, "parse policy document")
	}

	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]ratelimit.Policy, len(doc.Policies))
	}

	var errs []error
	for name, e := range doc.Policies {
		name = strings.TrimSpace(name)
		if name == "" {
			errs = append(errs, xerrors.New("policy with empty name"))
			continue
		}
		p, ok := out[name]
		if !ok {
			p = ratelimit.Policy{Name: name}
		}
		if e.Limit != 0 {
			p.MaxRequests = e.Limit
		}
		if e.Window != "" {
			d, err := time.ParseDuration(e.Window)
			if err != nil {
				errs = append(errs, xerrors.Wrapf(err, "policy %q window", name))
				continue
			}
			p.Window = d
		}
		if len(e.SkipPrefixes) > 0 {
			p.Skip = prefixSkipper(e.SkipPrefixes)
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func prefixSkipper(prefixes []string) func(string) bool {
	ps := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			ps = append(ps, p)
		}
	}
	return func(id string) bool {
		for _, p := range ps {
			if strings.HasPrefix(id, p) {
				return true
			}
		}
		return false
	}
}
