package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sample = `
[orchestrator]
addr = ":9000"
db_path = "data/dispatch.db"
ack_delay_min_ms = 1500
ack_delay_max_ms = 2500
language = "en"

[providers.claude]
binary = "/usr/local/bin/claude"
extra_args = ["--verbose"]

[api]
endpoint = "https://api.example.test/v1/responses"
model = "gpt-5"
auth_token_env = "DISPATCH_API_TOKEN"

[oauth.copilot]
endpoint = "https://copilot.example.test/responses"
accounts = ["work", "personal"]

[departments.priority]
qa = 0
dev = 1

[[departments.list]]
id = "design"
name = "Design"
sort_order = 2

[[agents]]
id = "design-lead"
name = "Mira"
role = "team_leader"
department = "design"
provider = "claude"

[[projects]]
id = "site"
path = "/srv/site"
assignment_mode = "manual"
agents = ["design-lead"]
`

func TestLoadDecodesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.Addr != ":9000" || cfg.Orchestrator.AckDelayMaxMS != 2500 {
		t.Fatalf("orchestrator section=%+v", cfg.Orchestrator)
	}
	if got := cfg.Providers["claude"]; got.Binary != "/usr/local/bin/claude" || len(got.ExtraArgs) != 1 {
		t.Fatalf("providers.claude=%+v", got)
	}
	if cfg.API.AuthTokenEnv != "DISPATCH_API_TOKEN" {
		t.Fatalf("api=%+v", cfg.API)
	}
	if got := cfg.OAuth["copilot"].Accounts; len(got) != 2 {
		t.Fatalf("oauth accounts=%v", got)
	}
	if cfg.Departments.Priority["qa"] != 0 || cfg.Departments.Priority["dev"] != 1 {
		t.Fatalf("priority=%v", cfg.Departments.Priority)
	}
	if len(cfg.Departments.List) != 1 || cfg.Departments.List[0].SortOrder != 2 {
		t.Fatalf("departments.list=%+v", cfg.Departments.List)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Department != "design" || cfg.Agents[0].Role != "team_leader" {
		t.Fatalf("agents=%+v", cfg.Agents)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].Agents[0] != "design-lead" {
		t.Fatalf("projects=%+v", cfg.Projects)
	}
	if cfg.Path != path || cfg.Raw["orchestrator"] == nil {
		t.Fatalf("path/raw not captured")
	}
}

func TestParseRejectsInvalidTOML(t *testing.T) {
	if _, err := Parse("[orchestrator\naddr=", "inline"); err == nil {
		t.Fatalf("expected decode error")
	}
}
