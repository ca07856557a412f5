package models

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Jobs keeps jobs in the order they are declared in the file.
type Jobs []*Job

func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping", node.Line)
	}
	jobs := make(Jobs, 0, len(node.Content)/2)
	seen := make(map[string]int, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if line, ok := seen[key.Value]; ok {
			return fmt.Errorf("line %d: job %q is already defined at line %d", key.Line, key.Value, line)
		}
		seen[key.Value] = key.Line

		var job Job
		if err := node.Content[i+1].Decode(&job); err != nil {
			return err
		}
		job.ID = key.Value
		jobs = append(jobs, &job)
	}
	*j = jobs
	return nil
}

// StringList accepts either a scalar or a sequence of scalars.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*s = nil
			return nil
		}
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*s = values
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

func (p *Permissions) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = Permissions{"*": node.Value}
		return nil
	case yaml.MappingNode:
		m := make(map[string]string)
		if err := node.Decode(&m); err != nil {
			return err
		}
		*p = m
		return nil
	}
	return fmt.Errorf("line %d: permissions must be a string or a mapping", node.Line)
}

func (c *Container) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Image = node.Value
		return nil
	}
	type plain Container
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = Container(p)
	return nil
}

func (s *SecretsPassing) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value != "inherit" {
			return fmt.Errorf("line %d: secrets must be `inherit` or a mapping", node.Line)
		}
		s.Inherit = true
		return nil
	}
	return node.Decode(&s.Values)
}

func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return t.add(node.Value, nil)
	case yaml.SequenceNode:
		for _, n := range node.Content {
			if err := t.add(n.Value, nil); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if err := t.add(node.Content[i].Value, node.Content[i+1]); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("line %d: on must be a string, a list or a mapping", node.Line)
}

func (t *Triggers) add(event string, value *yaml.Node) error {
	decode := func(out any) error {
		if value == nil || value.Tag == "!!null" {
			return nil
		}
		return value.Decode(out)
	}

	var err error
	switch event {
	case "push":
		t.Push = &RefFilter{}
		err = decode(t.Push)
	case "pull_request":
		t.PullRequest = &RefFilter{}
		err = decode(t.PullRequest)
	case "schedule":
		err = decode(&t.Schedule)
	case "workflow_dispatch":
		t.WorkflowDispatch = &Dispatch{}
		err = decode(t.WorkflowDispatch)
	case "workflow_call":
		t.WorkflowCall = &WorkflowCall{}
		err = decode(t.WorkflowCall)
	default:
		return fmt.Errorf("unsupported event %q", event)
	}
	if err != nil {
		return fmt.Errorf("on.%s: %w", event, err)
	}
	t.Events = append(t.Events, event)
	return nil
}

func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if !isExpression(node.Value) {
			return fmt.Errorf("line %d: matrix must be a mapping or an expression", node.Line)
		}
		m.Expr = node.Value
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "include":
			if err := decodeBags(value, &m.Include); err != nil {
				return fmt.Errorf("matrix.include: %w", err)
			}
		case "exclude":
			if err := decodeBags(value, &m.Exclude); err != nil {
				return fmt.Errorf("matrix.exclude: %w", err)
			}
		default:
			axis := Axis{Name: key}
			switch value.Kind {
			case yaml.ScalarNode:
				if !isExpression(value.Value) {
					return fmt.Errorf("line %d: matrix.%s must be a list", value.Line, key)
				}
				axis.Expr = value.Value
			case yaml.SequenceNode:
				if err := value.Decode(&axis.Values); err != nil {
					return fmt.Errorf("matrix.%s: %w", key, err)
				}
			default:
				return fmt.Errorf("line %d: matrix.%s must be a list", value.Line, key)
			}
			m.Axes = append(m.Axes, axis)
		}
	}
	return nil
}

func decodeBags(node *yaml.Node, out *[]Properties) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list of mappings", node.Line)
	}
	for _, n := range node.Content {
		var p Properties
		if err := n.Decode(&p); err != nil {
			return err
		}
		*out = append(*out, p)
	}
	return nil
}

func isExpression(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}")
}
