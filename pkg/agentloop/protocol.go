package agentloop

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedAction is returned when tagged action text cannot be parsed.
// The parser fails closed: a response that looks like an action but does not
// parse is rejected rather than treated as plain prose.
var ErrMalformedAction = errors.New("malformed action")

// Action is one parsed agent action from the tagged text protocol. Exactly
// one of ToolName, Handoff or FinalAnswer is set.
type Action struct {
	Thinking    string
	ToolName    string
	Args        string
	Handoff     string
	FinalAnswer string
}

var actionTags = []string{"thinking", "tool_name", "args", "handoff", "final_answer"}

// LooksLikeAction reports whether a response carries the tagged action
// protocol and should go through ParseAction.
func LooksLikeAction(text string) bool {
	for _, tag := range actionTags {
		if strings.Contains(text, "<"+tag+">") {
			return true
		}
	}
	return false
}

// ParseAction parses a tagged action response. The grammar is strict:
// known tags only, each at most once, properly closed, nothing but
// whitespace between them. Tag bodies may use CDATA sections to carry
// ambiguous text. Exactly one of tool_name, handoff or final_answer must be
// present; args is only valid alongside tool_name.
func ParseAction(text string) (*Action, error) {
	fields, err := parseTags(text)
	if err != nil {
		return nil, err
	}

	action := &Action{
		Thinking:    fields["thinking"],
		ToolName:    strings.TrimSpace(fields["tool_name"]),
		Args:        strings.TrimSpace(fields["args"]),
		Handoff:     strings.TrimSpace(fields["handoff"]),
		FinalAnswer: fields["final_answer"],
	}

	decisions := 0
	if action.ToolName != "" {
		decisions++
	}
	if action.Handoff != "" {
		decisions++
	}
	if _, ok := fields["final_answer"]; ok {
		decisions++
	}
	if decisions == 0 {
		return nil, fmt.Errorf("%w: no tool_name, handoff or final_answer", ErrMalformedAction)
	}
	if decisions > 1 {
		return nil, fmt.Errorf("%w: more than one of tool_name, handoff and final_answer", ErrMalformedAction)
	}

	if _, hasArgs := fields["args"]; hasArgs && action.ToolName == "" {
		return nil, fmt.Errorf("%w: args without tool_name", ErrMalformedAction)
	}
	if action.ToolName != "" && action.Args == "" {
		action.Args = "{}"
	}

	return action, nil
}

// parseTags scans the text into tag → body, enforcing the strict grammar.
func parseTags(text string) (map[string]string, error) {
	known := make(map[string]bool, len(actionTags))
	for _, tag := range actionTags {
		known[tag] = true
	}

	fields := make(map[string]string)
	rest := text
	for {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}

		if !strings.HasPrefix(rest, "<") {
			return nil, fmt.Errorf("%w: unexpected text outside tags: %q", ErrMalformedAction, truncate(rest, 40))
		}

		end := strings.Index(rest, ">")
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated tag", ErrMalformedAction)
		}
		tag := rest[1:end]
		if !known[tag] {
			return nil, fmt.Errorf("%w: unknown tag <%s>", ErrMalformedAction, truncate(tag, 40))
		}
		if _, seen := fields[tag]; seen {
			return nil, fmt.Errorf("%w: duplicate tag <%s>", ErrMalformedAction, tag)
		}
		rest = rest[end+1:]

		body, remainder, err := readBody(rest, tag)
		if err != nil {
			return nil, err
		}
		fields[tag] = body
		rest = remainder
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no tags found", ErrMalformedAction)
	}
	return fields, nil
}

// readBody consumes a tag body up to its closing tag, decoding CDATA
// sections along the way.
func readBody(rest, tag string) (string, string, error) {
	closing := "</" + tag + ">"
	var body strings.Builder

	for {
		cdataIdx := strings.Index(rest, "<![CDATA[")
		closeIdx := strings.Index(rest, closing)
		if closeIdx < 0 {
			return "", "", fmt.Errorf("%w: missing %s", ErrMalformedAction, closing)
		}

		if cdataIdx >= 0 && cdataIdx < closeIdx {
			body.WriteString(rest[:cdataIdx])
			rest = rest[cdataIdx+len("<![CDATA["):]
			endIdx := strings.Index(rest, "]]>")
			if endIdx < 0 {
				return "", "", fmt.Errorf("%w: unterminated CDATA in <%s>", ErrMalformedAction, tag)
			}
			body.WriteString(rest[:endIdx])
			rest = rest[endIdx+len("]]>"):]
			continue
		}

		segment := rest[:closeIdx]
		if strings.Contains(segment, "<") {
			return "", "", fmt.Errorf("%w: nested markup in <%s>", ErrMalformedAction, tag)
		}
		body.WriteString(segment)
		return body.String(), rest[closeIdx+len(closing):], nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
