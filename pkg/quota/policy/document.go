package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mercator-hq/tokenquota/pkg/quota"
)

// WildcardModel keys the default policy that applies to any model without
// its own entry.
const WildcardModel = "*"

// maxDocumentSize bounds policy files read from disk.
const maxDocumentSize = 10 * 1024 * 1024

// Document is the on-disk limit policy. JSON documents parse as YAML.
type Document struct {
	// TimeWindow is the global default window.
	TimeWindow Window `yaml:"time_window,omitempty" json:"time_window,omitempty"`

	// Defaults holds per-model defaults; the "*" entry matches any model.
	Defaults map[string]*DefaultPolicy `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	Actors map[string]*ActorPolicy `yaml:"actors,omitempty" json:"actors,omitempty"`
	Groups map[string]*GroupPolicy `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// DefaultPolicy applies when nothing more specific matches.
type DefaultPolicy struct {
	UserLimit  *quota.Limit `yaml:"user_limit,omitempty" json:"user_limit,omitempty"`
	GroupLimit *quota.Limit `yaml:"group_limit,omitempty" json:"group_limit,omitempty"`
	TimeWindow Window       `yaml:"time_window,omitempty" json:"time_window,omitempty"`
}

// ActorPolicy holds personal overrides.
type ActorPolicy struct {
	// Models maps model id to a per-model override.
	Models map[string]quota.Limit `yaml:"models,omitempty" json:"models,omitempty"`

	// FallbackPool is used for models without an override.
	FallbackPool *quota.Limit `yaml:"fallback_pool,omitempty" json:"fallback_pool,omitempty"`

	TimeWindow Window `yaml:"time_window,omitempty" json:"time_window,omitempty"`
}

// GroupPolicy describes a group's shared pool and how members draw on it.
type GroupPolicy struct {
	TokenPool   *quota.Limit `yaml:"token_pool,omitempty" json:"token_pool,omitempty"`
	MemberLimit *quota.Limit `yaml:"member_limit,omitempty" json:"member_limit,omitempty"`

	// RoleLimits is in priority order: the first listed role the actor
	// holds sets the member limit.
	RoleLimits RoleLimits `yaml:"role_limits,omitempty" json:"role_limits,omitempty"`

	// MemberBypasses are actors admitted without limit. Their usage still
	// depletes the pool.
	MemberBypasses []string `yaml:"member_bypasses,omitempty" json:"member_bypasses,omitempty"`

	Models map[string]*GroupModelPolicy `yaml:"models,omitempty" json:"models,omitempty"`

	TimeWindow Window `yaml:"time_window,omitempty" json:"time_window,omitempty"`
}

// GroupModelPolicy narrows a group's pool and member limit to one model.
type GroupModelPolicy struct {
	Pool        *quota.Limit `yaml:"pool,omitempty" json:"pool,omitempty"`
	MemberLimit *quota.Limit `yaml:"member_limit,omitempty" json:"member_limit,omitempty"`
}

// RoleLimit is one role tier.
type RoleLimit struct {
	Role  string      `yaml:"role" json:"role"`
	Limit quota.Limit `yaml:"limit" json:"limit"`
}

// RoleLimits is an ordered role list. In YAML it is either a mapping, whose
// key order is kept, or a sequence of {role, limit} objects.
type RoleLimits []RoleLimit

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *RoleLimits) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		out := make(RoleLimits, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			var rl RoleLimit
			if err := value.Content[i].Decode(&rl.Role); err != nil {
				return err
			}
			if err := value.Content[i+1].Decode(&rl.Limit); err != nil {
				return fmt.Errorf("role %q: %w", rl.Role, err)
			}
			out = append(out, rl)
		}
		*r = out
		return nil
	case yaml.SequenceNode:
		var list []RoleLimit
		if err := value.Decode(&list); err != nil {
			return err
		}
		*r = list
		return nil
	}
	return fmt.Errorf("line %d: role_limits must be a mapping or a list", value.Line)
}

// Get returns the limit configured for role.
func (r RoleLimits) Get(role string) (quota.Limit, bool) {
	for _, rl := range r {
		if rl.Role == role {
			return rl.Limit, true
		}
	}
	return 0, false
}

// Window is a duration that also accepts a day count ("30d").
type Window time.Duration

// Duration returns w as a time.Duration.
func (w Window) Duration() time.Duration { return time.Duration(w) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (w *Window) UnmarshalYAML(value *yaml.Node) error {
	d, err := quota.ParseWindow(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*w = Window(d)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (w Window) MarshalYAML() (interface{}, error) {
	return quota.FormatWindow(time.Duration(w)), nil
}

// LoadDocument reads and validates a policy file.
func LoadDocument(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{FilePath: path, Message: "file not found", Cause: err}
		}
		if os.IsPermission(err) {
			return nil, &LoadError{FilePath: path, Message: "permission denied", Cause: err}
		}
		return nil, &LoadError{FilePath: path, Message: "failed to access file", Cause: err}
	}
	if info.IsDir() {
		return nil, &LoadError{FilePath: path, Message: "path is a directory"}
	}
	if info.Size() > maxDocumentSize {
		return nil, &LoadError{FilePath: path, Message: fmt.Sprintf("file exceeds %d bytes", maxDocumentSize)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to read file", Cause: err}
	}

	doc, err := ParseDocument(data)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.FilePath = path
		}
		return nil, err
	}
	return doc, nil
}

// ParseDocument parses and validates a policy document. An empty document
// is valid and configures nothing.
func ParseDocument(data []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, newParseError(err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks identifiers and role lists.
func (d *Document) Validate() error {
	var problems []string

	for model := range d.Defaults {
		if d.Defaults[model] == nil {
			continue
		}
		if err := validID(model); err != nil {
			problems = append(problems, fmt.Sprintf("defaults.%s: %v", model, err))
		}
	}

	for id, ap := range d.Actors {
		if err := validID(id); err != nil {
			problems = append(problems, fmt.Sprintf("actors.%s: %v", id, err))
		}
		if ap == nil {
			continue
		}
		for model := range ap.Models {
			if err := validID(model); err != nil {
				problems = append(problems, fmt.Sprintf("actors.%s.models.%s: %v", id, model, err))
			}
		}
	}

	for id, gp := range d.Groups {
		if err := validID(id); err != nil {
			problems = append(problems, fmt.Sprintf("groups.%s: %v", id, err))
		}
		if gp == nil {
			continue
		}
		seen := make(map[string]bool, len(gp.RoleLimits))
		for i, rl := range gp.RoleLimits {
			if rl.Role == "" {
				problems = append(problems, fmt.Sprintf("groups.%s.role_limits[%d]: role is required", id, i))
			}
			if seen[rl.Role] {
				problems = append(problems, fmt.Sprintf("groups.%s.role_limits: duplicate role %q", id, rl.Role))
			}
			seen[rl.Role] = true
		}
		for _, actor := range gp.MemberBypasses {
			if err := validID(actor); err != nil {
				problems = append(problems, fmt.Sprintf("groups.%s.member_bypasses: %v", id, err))
			}
		}
		for model := range gp.Models {
			if err := validID(model); err != nil {
				problems = append(problems, fmt.Sprintf("groups.%s.models.%s: %v", id, model, err))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{Problems: problems}
}

// validID rejects identifiers that would break scope keys.
func validID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if strings.ContainsAny(id, "/:") {
		return fmt.Errorf("id %q cannot contain '/' or ':'", id)
	}
	return nil
}

// ValidID reports whether id can be used as an actor, group or model id.
func ValidID(id string) error {
	if err := validID(id); err != nil {
		return quota.Invalidf("%v", err)
	}
	return nil
}

// clone deep-copies the document so a snapshot can be overlaid without
// touching the parsed file.
func (d *Document) clone() *Document {
	out := &Document{
		TimeWindow: d.TimeWindow,
		Defaults:   make(map[string]*DefaultPolicy, len(d.Defaults)),
		Actors:     make(map[string]*ActorPolicy, len(d.Actors)),
		Groups:     make(map[string]*GroupPolicy, len(d.Groups)),
	}
	for k, v := range d.Defaults {
		if v == nil {
			continue
		}
		c := *v
		c.UserLimit = cloneLimit(v.UserLimit)
		c.GroupLimit = cloneLimit(v.GroupLimit)
		out.Defaults[k] = &c
	}
	for k, v := range d.Actors {
		if v == nil {
			continue
		}
		c := *v
		c.FallbackPool = cloneLimit(v.FallbackPool)
		c.Models = make(map[string]quota.Limit, len(v.Models))
		for m, l := range v.Models {
			c.Models[m] = l
		}
		out.Actors[k] = &c
	}
	for k, v := range d.Groups {
		if v == nil {
			continue
		}
		c := *v
		c.TokenPool = cloneLimit(v.TokenPool)
		c.MemberLimit = cloneLimit(v.MemberLimit)
		c.RoleLimits = append(RoleLimits(nil), v.RoleLimits...)
		c.MemberBypasses = append([]string(nil), v.MemberBypasses...)
		c.Models = make(map[string]*GroupModelPolicy, len(v.Models))
		for m, gm := range v.Models {
			if gm == nil {
				continue
			}
			c.Models[m] = &GroupModelPolicy{Pool: cloneLimit(gm.Pool), MemberLimit: cloneLimit(gm.MemberLimit)}
		}
		out.Groups[k] = &c
	}
	return out
}

func cloneLimit(l *quota.Limit) *quota.Limit {
	if l == nil {
		return nil
	}
	v := *l
	return &v
}

func limitPtr(l quota.Limit) *quota.Limit { return &l }
