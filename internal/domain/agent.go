package domain

import (
	"encoding/json"
	"fmt"
)

// AgentType discriminates the closed set of actors that can produce events.
type AgentType string

const (
	AgentUser   AgentType = "user"
	AgentClient AgentType = "client"
	AgentSystem AgentType = "system"
)

// Agent identifies the actor responsible for an event: a human user, an API
// client, or an automated system process. ForUser carries the user an API
// client is acting on behalf of, when delegated authority applies.
type Agent struct {
	Type    AgentType `json:"type" enum:"user,client,system"`
	ID      string    `json:"id"`
	ForUser string    `json:"for_user,omitempty"`
}

// User returns a user agent.
func User(id string) Agent { return Agent{Type: AgentUser, ID: id} }

// Client returns an API client agent, optionally acting for a user.
func Client(id, forUser string) Agent {
	return Agent{Type: AgentClient, ID: id, ForUser: forUser}
}

// System returns a system agent. The id names the automated process.
func System(id string) Agent { return Agent{Type: AgentSystem, ID: id} }

func (a Agent) Validate() error {
	switch a.Type {
	case AgentUser, AgentClient, AgentSystem:
	default:
		return fmt.Errorf("unknown agent type %q", a.Type)
	}
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	return nil
}

// String renders the agent as type:id for logs and delivery headers.
func (a Agent) String() string {
	return string(a.Type) + ":" + a.ID
}

// UnmarshalJSON validates the variant tag on decode so unknown agent types
// never enter the log.
func (a *Agent) UnmarshalJSON(data []byte) error {
	type alias Agent
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*a = Agent(tmp)
	return a.Validate()
}
