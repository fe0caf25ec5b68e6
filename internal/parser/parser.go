// Package parser converts structured job submissions into validated, fully
// expanded job definitions. Parsing is pure: no IDs or timestamps are
// assigned here, so identical input always yields an identical action tree
// with identical resolved timeouts.
package parser

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab/conductor/pkg/types"
)

// submission mirrors the YAML job description users author.
type submission struct {
	Name        string             `yaml:"name"`
	DeviceType  string             `yaml:"device_type"`
	Device      string             `yaml:"device"`
	Tags        []string           `yaml:"tags"`
	Restriction string             `yaml:"restriction"`
	Priority    string             `yaml:"priority"`
	Visibility  string             `yaml:"visibility"`
	Timeout     string             `yaml:"timeout"`
	Metadata    map[string]string  `yaml:"metadata"`
	Actions     []submissionAction `yaml:"actions"`
	MultiNode   *submissionMulti   `yaml:"multinode"`
}

type submissionAction struct {
	Name       string            `yaml:"name"`
	Kind       string            `yaml:"kind"`
	Method     string            `yaml:"method"`
	Timeout    string            `yaml:"timeout"`
	AlwaysRun  bool              `yaml:"always_run"`
	Parameters map[string]string `yaml:"parameters"`
}

type submissionMulti struct {
	Roles []submissionRole `yaml:"roles"`
}

type submissionRole struct {
	Role        string             `yaml:"role"`
	Count       int                `yaml:"count"`
	DeviceType  string             `yaml:"device_type"`
	Tags        []string           `yaml:"tags"`
	Restriction string             `yaml:"restriction"`
	Actions     []submissionAction `yaml:"actions"`
}

// Parser builds JobDefinitions from raw submissions.
type Parser struct {
	defaultTimeout time.Duration
}

// New creates a parser. defaultTimeout applies when a submission carries no
// job-level timeout.
func New(defaultTimeout time.Duration) *Parser {
	if defaultTimeout <= 0 {
		defaultTimeout = time.Hour
	}
	return &Parser{defaultTimeout: defaultTimeout}
}

// Parse validates and expands a YAML job submission. Single-node submissions
// yield exactly one definition; MultiNode submissions yield one definition
// per role member, in role declaration order, with SubID/GroupSize populated.
// The caller assigns job IDs, the group ID and submission timestamps.
func (p *Parser) Parse(data []byte) ([]*types.JobDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &MalformedJobError{Field: "$", Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if err := validateStructure(doc); err != nil {
		return nil, err
	}

	var sub submission
	if err := yaml.Unmarshal(data, &sub); err != nil {
		return nil, &MalformedJobError{Field: "$", Reason: err.Error()}
	}

	jobTimeout, err := p.jobTimeout(sub.Timeout)
	if err != nil {
		return nil, err
	}

	if sub.MultiNode != nil {
		return p.parseGroup(&sub, jobTimeout)
	}

	if sub.DeviceType == "" && sub.Device == "" {
		return nil, &MalformedJobError{Field: "device_type", Reason: "a device selector is required"}
	}
	actions, err := p.buildActions(sub.Actions, sub.Metadata, jobTimeout)
	if err != nil {
		return nil, err
	}

	job := &types.JobDefinition{
		Name:       sub.Name,
		Priority:   parsePriority(sub.Priority),
		Visibility: parseVisibility(sub.Visibility),
		Selector: types.DeviceSelector{
			DeviceType:  sub.DeviceType,
			Device:      sub.Device,
			Tags:        sub.Tags,
			Restriction: sub.Restriction,
		},
		Timeout:  jobTimeout,
		Actions:  actions,
		Metadata: sub.Metadata,
	}
	return []*types.JobDefinition{job}, nil
}

// parseGroup splits a MultiNode submission into per-member definitions.
func (p *Parser) parseGroup(sub *submission, jobTimeout time.Duration) ([]*types.JobDefinition, error) {
	groupSize := 0
	for _, role := range sub.MultiNode.Roles {
		count := role.Count
		if count <= 0 {
			count = 1
		}
		groupSize += count
	}

	var jobs []*types.JobDefinition
	subID := 0
	for _, role := range sub.MultiNode.Roles {
		if role.DeviceType == "" && sub.DeviceType == "" {
			return nil, &MalformedJobError{
				Field:  "multinode.roles",
				Reason: fmt.Sprintf("role %q has no device selector", role.Role),
			}
		}
		roleActions := role.Actions
		if len(roleActions) == 0 {
			roleActions = sub.Actions
		}
		count := role.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			actions, err := p.buildActions(roleActions, sub.Metadata, jobTimeout)
			if err != nil {
				return nil, err
			}
			deviceType := role.DeviceType
			if deviceType == "" {
				deviceType = sub.DeviceType
			}
			tags := role.Tags
			if len(tags) == 0 {
				tags = sub.Tags
			}
			jobs = append(jobs, &types.JobDefinition{
				Name:       fmt.Sprintf("%s-%s-%d", sub.Name, role.Role, i),
				Priority:   parsePriority(sub.Priority),
				Visibility: parseVisibility(sub.Visibility),
				Selector: types.DeviceSelector{
					DeviceType:  deviceType,
					Tags:        tags,
					Restriction: role.Restriction,
				},
				Timeout:   jobTimeout,
				Actions:   actions,
				Metadata:  sub.Metadata,
				Role:      role.Role,
				SubID:     subID,
				GroupSize: groupSize,
			})
			subID++
		}
	}
	return jobs, nil
}

// buildActions expands, times out and substitutes one action list.
func (p *Parser) buildActions(subActions []submissionAction, metadata map[string]string, jobTimeout time.Duration) ([]types.Action, error) {
	if len(subActions) == 0 {
		return nil, &MalformedJobError{Field: "actions", Reason: "at least one action is required"}
	}

	actions := make([]types.Action, 0, len(subActions)+1)
	seen := map[types.ActionKind]bool{}
	for _, sa := range subActions {
		kind := types.ActionKind(sa.Kind)
		name := sa.Name
		if name == "" {
			name = sa.Kind
		}
		params := make(map[string]string, len(sa.Parameters))
		for k, v := range sa.Parameters {
			params[k] = v
		}
		a := types.Action{
			Name:       name,
			Kind:       kind,
			Method:     sa.Method,
			AlwaysRun:  sa.AlwaysRun || kind == types.ActionKindFinalize,
			Parameters: params,
		}
		if sa.Timeout != "" {
			d, err := time.ParseDuration(sa.Timeout)
			if err != nil {
				return nil, &MalformedJobError{Field: name + ".timeout", Reason: err.Error()}
			}
			a.Timeout = d
		}
		seen[kind] = true
		actions = append(actions, a)
	}

	for _, kind := range []types.ActionKind{types.ActionKindDeploy, types.ActionKindBoot, types.ActionKindTest} {
		if !seen[kind] {
			return nil, &MalformedJobError{
				Field:  "actions",
				Reason: fmt.Sprintf("a %s action is required", kind),
			}
		}
	}
	// Hardware release must happen on every terminal path, so a cleanup
	// action is appended when the submission declares none.
	if !seen[types.ActionKindFinalize] {
		actions = append(actions, types.Action{
			Name:      "finalize",
			Kind:      types.ActionKindFinalize,
			AlwaysRun: true,
		})
	}

	// Expansion, timeout resolution and variable checking run over the
	// final ordered list so deferred outputs only flow forward.
	deferred := map[string]bool{}
	for i := range actions {
		a := &actions[i]
		if err := expand(a); err != nil {
			return nil, err
		}
		if err := resolveTimeouts(a, jobTimeout); err != nil {
			return nil, err
		}
		if err := substituteAction(a, metadata, deferred); err != nil {
			return nil, err
		}
		if a.Kind == types.ActionKindDeploy {
			for _, out := range a.Outputs {
				deferred[out] = true
			}
			// Deploy parameter values become resolvable context too.
			for k := range a.Parameters {
				deferred[k] = true
			}
		}
	}
	return actions, nil
}

// resolveTimeouts fills in inherited timeouts and enforces the cap: no
// action's timeout may exceed its nearest enclosing scope's timeout.
func resolveTimeouts(a *types.Action, limit time.Duration) error {
	if a.Timeout == 0 {
		a.Timeout = limit
	}
	if a.Timeout > limit {
		return &InvalidTimeoutError{
			Action:  a.Name,
			Timeout: a.Timeout.String(),
			Limit:   limit.String(),
		}
	}
	for i := range a.Children {
		if err := resolveTimeouts(&a.Children[i], a.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// substituteAction applies variable substitution to an action's parameters.
func substituteAction(a *types.Action, metadata map[string]string, deferred map[string]bool) error {
	for k, v := range a.Parameters {
		resolved, err := substitute(a.Name, v, metadata, deferred)
		if err != nil {
			return err
		}
		a.Parameters[k] = resolved
	}
	return nil
}

func (p *Parser) jobTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return p.defaultTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &MalformedJobError{Field: "timeout", Reason: err.Error()}
	}
	if d <= 0 {
		return 0, &InvalidTimeoutError{Action: "job", Timeout: d.String(), Limit: "positive"}
	}
	return d, nil
}

func parsePriority(s string) types.Priority {
	switch s {
	case "low":
		return types.PriorityLow
	case "high":
		return types.PriorityHigh
	default:
		return types.PriorityMedium
	}
}

func parseVisibility(s string) types.Visibility {
	switch s {
	case "group":
		return types.VisibilityGroup
	case "personal":
		return types.VisibilityPersonal
	default:
		return types.VisibilityPublic
	}
}
