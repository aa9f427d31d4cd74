package team

import (
	"errors"
	"fmt"
)

// Role defines an agent's role within a team.
type Role string

const (
	RoleCaptain  Role = "captain"  // Coordinator and decision-maker
	RoleExecutor Role = "executor" // Task execution specialist
	RoleCritic   Role = "critic"   // Quality assurance and review
	RoleGeneral  Role = "general"  // General purpose agent
)

// AgentSpec defines one agent in a team's role graph.
type AgentSpec struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Role         Role     `json:"role" yaml:"role"`
	Model        string   `json:"model" yaml:"model"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Handoffs     []string `json:"handoffs,omitempty" yaml:"handoffs,omitempty"`
}

// Validate validates a single agent spec.
func (s AgentSpec) Validate() error {
	if s.ID == "" {
		return errors.New("agent ID is required")
	}
	if s.Name == "" {
		return errors.New("agent name is required")
	}
	if s.Model == "" {
		return errors.New("agent model is required")
	}
	if s.Role != RoleCaptain && s.Role != RoleExecutor && s.Role != RoleCritic && s.Role != RoleGeneral {
		return fmt.Errorf("invalid agent role: %s", s.Role)
	}
	if s.Temperature < 0 || s.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got: %f", s.Temperature)
	}
	if s.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative, got: %d", s.MaxTokens)
	}
	return nil
}

// Team is a named role graph: the agents that can serve a session and the
// handoff edges between them.
type Team struct {
	Name   string      `json:"name" yaml:"name"`
	Entry  string      `json:"entry,omitempty" yaml:"entry,omitempty"`
	Agents []AgentSpec `json:"agents" yaml:"agents"`
}

// Validate checks the team as a whole: agent specs, unique ids, resolvable
// handoff targets and entry point.
func (t Team) Validate() error {
	if t.Name == "" {
		return errors.New("team name is required")
	}
	if len(t.Agents) == 0 {
		return fmt.Errorf("team %s has no agents", t.Name)
	}

	seen := make(map[string]bool, len(t.Agents))
	for i, agent := range t.Agents {
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("agent at index %d is invalid: %w", i, err)
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent ID found: %s", agent.ID)
		}
		seen[agent.ID] = true
	}

	for _, agent := range t.Agents {
		for _, target := range agent.Handoffs {
			if target == agent.ID {
				return fmt.Errorf("agent %s hands off to itself", agent.ID)
			}
			if !seen[target] {
				return fmt.Errorf("agent %s hands off to unknown agent %s", agent.ID, target)
			}
		}
	}

	if t.Entry != "" && !seen[t.Entry] {
		return fmt.Errorf("entry agent %s not found in team %s", t.Entry, t.Name)
	}

	return nil
}

// Agent returns the spec for an agent id.
func (t Team) Agent(id string) (AgentSpec, bool) {
	for _, agent := range t.Agents {
		if agent.ID == id {
			return agent, true
		}
	}
	return AgentSpec{}, false
}

// EntryAgent returns the agent a new session starts with: the configured
// entry, else the first captain, else the first agent.
func (t Team) EntryAgent() AgentSpec {
	if t.Entry != "" {
		if agent, ok := t.Agent(t.Entry); ok {
			return agent
		}
	}
	for _, agent := range t.Agents {
		if agent.Role == RoleCaptain {
			return agent
		}
	}
	return t.Agents[0]
}

// CanHandoff reports whether from may hand the session to target.
func (t Team) CanHandoff(from, target string) bool {
	agent, ok := t.Agent(from)
	if !ok {
		return false
	}
	for _, h := range agent.Handoffs {
		if h == target {
			return true
		}
	}
	return false
}
