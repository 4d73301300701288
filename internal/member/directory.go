// Package member is the static member directory: the closed set of network
// participants alerts can be about. It is loaded once at startup and is
// read-only afterwards.
package member

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	logx "abot/pkg/logx"
)

type Member struct {
	ID   string
	Name string
}

// Config selects the directory sources. Path and URL may both be set; entries
// from the URL are merged over the file.
type Config struct {
	Path         string
	URL          string
	FetchTimeout time.Duration
}

var ErrEmpty = errors.New("member directory is empty")

// Directory maps member ids to members. It has no mutators, so concurrent
// reads need no locking.
type Directory struct {
	byID map[string]Member
	ids  []string
}

// New builds a directory from a fixed list. Blank ids are skipped.
func New(members ...Member) *Directory {
	d := &Directory{byID: make(map[string]Member, len(members))}
	for _, m := range members {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			continue
		}
		if strings.TrimSpace(m.Name) == "" {
			m.Name = m.ID
		}
		d.byID[m.ID] = m
	}
	d.ids = make([]string, 0, len(d.byID))
	for id := range d.byID {
		d.ids = append(d.ids, id)
	}
	sort.Strings(d.ids)
	return d
}

// Load reads the configured sources. It fails if no source is configured, a
// configured source cannot be read, or the result is empty.
func Load(ctx context.Context, cfg Config, log logx.Logger) (*Directory, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	path := strings.TrimSpace(cfg.Path)
	url := strings.TrimSpace(cfg.URL)
	if path == "" && url == "" {
		return nil, errors.New("members: path or url is required")
	}

	var all []Member
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("members: read %s: %w", path, err)
		}
		ms, err := decode(b)
		if err != nil {
			return nil, fmt.Errorf("members: parse %s: %w", path, err)
		}
		log.Debug("members loaded from file", logx.String("path", path), logx.Int("count", len(ms)))
		all = append(all, ms...)
	}
	if url != "" {
		ms, err := fetch(ctx, url, cfg.FetchTimeout)
		if err != nil {
			return nil, fmt.Errorf("members: fetch %s: %w", url, err)
		}
		log.Debug("members fetched", logx.String("url", url), logx.Int("count", len(ms)))
		all = append(all, ms...)
	}

	d := New(all...)
	if d.Len() == 0 {
		return nil, ErrEmpty
	}
	return d, nil
}

func fetch(ctx context.Context, url string, timeout time.Duration) ([]Member, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	return decode(b)
}

// document is the members.json shape: {"members": {"<id>": {...}}}.
// A bare list of ids under "members" is accepted too.
type document struct {
	Members yaml.Node `yaml:"members"`
}

type entry struct {
	Name    string `yaml:"name"`
	Details struct {
		Name string `yaml:"name"`
	} `yaml:"details"`
}

// decode accepts YAML or JSON (JSON is valid YAML).
func decode(b []byte) ([]Member, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	n := &doc.Members
	switch n.Kind {
	case 0:
		return nil, errors.New(`missing "members"`)
	case yaml.SequenceNode:
		var ids []string
		if err := n.Decode(&ids); err != nil {
			return nil, err
		}
		out := make([]Member, 0, len(ids))
		for _, id := range ids {
			out = append(out, Member{ID: id})
		}
		return out, nil
	case yaml.MappingNode:
		out := make([]Member, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			id := n.Content[i].Value
			var e entry
			// Non-object values (e.g. null) still register the id.
			_ = n.Content[i+1].Decode(&e)
			name := e.Name
			if name == "" {
				name = e.Details.Name
			}
			out = append(out, Member{ID: id, Name: name})
		}
		return out, nil
	default:
		return nil, errors.New(`"members" must be a map or a list`)
	}
}

func (d *Directory) Lookup(id string) (Member, bool) {
	if d == nil {
		return Member{}, false
	}
	m, ok := d.byID[strings.TrimSpace(id)]
	return m, ok
}

func (d *Directory) Contains(id string) bool {
	_, ok := d.Lookup(id)
	return ok
}

// IDs returns the sorted member ids.
func (d *Directory) IDs() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.ids...)
}

func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.ids)
}
