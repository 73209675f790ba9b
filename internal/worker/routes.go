package worker

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// RouteConfig is one entry of the routes file. Match is a doublestar glob
// applied to the task id; the first matching route wins.
type RouteConfig struct {
	Match  string `yaml:"match"`
	Action string `yaml:"action"`

	// webhook action
	URL    string `yaml:"url,omitempty"`
	Secret string `yaml:"secret,omitempty"`

	// command action
	Command string            `yaml:"command,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

type routesFile struct {
	Routes []RouteConfig `yaml:"routes"`
}

// Route binds an id pattern to a runnable action.
type Route struct {
	Match  string
	Action Action
}

func (r Route) Matches(taskID string) bool {
	ok, err := doublestar.Match(r.Match, taskID)
	return err == nil && ok
}

// LoadRoutes reads a YAML routes file and builds the actions.
func LoadRoutes(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var file routesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}
	return BuildRoutes(file.Routes)
}

// BuildRoutes validates route configs and instantiates their actions.
func BuildRoutes(configs []RouteConfig) ([]Route, error) {
	routes := make([]Route, 0, len(configs))
	for i, rc := range configs {
		if rc.Match == "" {
			return nil, fmt.Errorf("route %d: match pattern is required", i)
		}
		if !doublestar.ValidatePattern(rc.Match) {
			return nil, fmt.Errorf("route %d: invalid match pattern %q", i, rc.Match)
		}

		var action Action
		switch rc.Action {
		case "webhook":
			if rc.URL == "" {
				return nil, fmt.Errorf("route %d (%s): webhook action needs a url", i, rc.Match)
			}
			action = NewWebhookAction(rc.URL, rc.Secret)
		case "command":
			if rc.Command == "" {
				return nil, fmt.Errorf("route %d (%s): command action needs a command", i, rc.Match)
			}
			cmd, err := NewCommandAction(rc.Command, rc.Dir, rc.Env)
			if err != nil {
				return nil, fmt.Errorf("route %d (%s): %w", i, rc.Match, err)
			}
			action = cmd
		default:
			return nil, fmt.Errorf("route %d (%s): unknown action %q", i, rc.Match, rc.Action)
		}

		routes = append(routes, Route{Match: rc.Match, Action: action})
	}
	return routes, nil
}
