// Package notify holds the builtin formatters that prepare notification data
// for downstream reporting stages.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/user/fission"
	"github.com/user/fission/pkg/envelope"
)

// DefaultOrigin identifies the sender of notifications when branding is not configured.
var DefaultOrigin = map[string]string{
	"name":        "d2o",
	"dns":         "d2o.hw-ops.com",
	"email":       "d2o@hw-ops.com",
	"application": "heavywater",
	"http":        "http://www.hw-ops.com",
	"https":       "https://www.hw-ops.com",
}

const defaultJobSite = "http://labs.hw-ops.com"

// Origin returns DefaultOrigin overlaid with branding.
func Origin(branding map[string]string) map[string]string {
	out := make(map[string]string, len(DefaultOrigin)+len(branding))
	for k, v := range DefaultOrigin {
		out[k] = v
	}
	for k, v := range branding {
		if v != "" {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

// JobURL links to the job page for env on the branded site.
func JobURL(env *envelope.Envelope, branding map[string]string) string {
	site := branding["https"]
	if site == "" {
		site = defaultJobSite
	}
	return strings.TrimRight(site, "/") + "/jobs/" + env.MessageID
}

// GithubStatus writes data.github_status for the commit status reporter.
type GithubStatus struct {
	From     string
	To       string
	Branding map[string]string
}

func (g *GithubStatus) Name() string        { return "GithubStatus" }
func (g *GithubStatus) Source() string      { return g.From }
func (g *GithubStatus) Destination() string { return g.To }

// Format sets state, description and target_url once env carries a terminal
// status; before that it leaves env unchanged so the formatter stays
// unrecorded until finalization. An existing description or target_url
// provided by an earlier stage is kept.
func (g *GithubStatus) Format(env *envelope.Envelope) error {
	state := githubState(env.Status)
	if state == "" {
		return nil
	}
	data, err := json.Marshal(env.Data)
	if err != nil {
		return err
	}
	name := g.Branding["name"]
	if name == "" {
		name = DefaultOrigin["application"]
	}
	current := gjson.GetBytes(data, "github_status")
	description := current.Get("description").String()
	if description == "" {
		description = fmt.Sprintf("%s job summary", name)
	}
	target := current.Get("target_url").String()
	if target == "" {
		target = JobURL(env, g.Branding)
	}
	status := map[string]interface{}{
		"state":       state,
		"description": description,
		"target_url":  target,
	}
	return patch(env, data, "github_status", status)
}

func githubState(status string) string {
	switch fission.State(status) {
	case fission.StateComplete:
		return "success"
	case fission.StateError:
		return "failure"
	default:
		return ""
	}
}

// OriginFormatter writes data.notification.origin.
type OriginFormatter struct {
	From     string
	To       string
	Branding map[string]string
}

func (o *OriginFormatter) Name() string        { return "NotificationOrigin" }
func (o *OriginFormatter) Source() string      { return o.From }
func (o *OriginFormatter) Destination() string { return o.To }

func (o *OriginFormatter) Format(env *envelope.Envelope) error {
	data, err := json.Marshal(env.Data)
	if err != nil {
		return err
	}
	return patch(env, data, "notification.origin", Origin(o.Branding))
}

func patch(env *envelope.Envelope, data []byte, path string, value interface{}) error {
	out, err := sjson.SetBytes(data, path, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	env.Data = decoded
	return nil
}
