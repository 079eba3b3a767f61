package inventory

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/e2epool/e2epool/internal/db"
)

// runnerYAML mirrors the original RunnerConfig dataclass field for field.
type runnerYAML struct {
	RunnerID string `yaml:"runner_id"`
	Backend  string `yaml:"backend"`
	Token    string `yaml:"token"`

	ProxmoxHost       string `yaml:"proxmox_host"`
	ProxmoxUser       string `yaml:"proxmox_user"`
	ProxmoxTokenName  string `yaml:"proxmox_token_name"`
	ProxmoxTokenValue string `yaml:"proxmox_token_value"`
	ProxmoxNode       string `yaml:"proxmox_node"`
	ProxmoxVMID       int    `yaml:"proxmox_vmid"`

	ResetCmd     string `yaml:"reset_cmd"`
	CleanupCmd   string `yaml:"cleanup_cmd"`
	ReadinessCmd string `yaml:"readiness_cmd"`

	CIRunnerID int `yaml:"ci_runner_id"`

	Tags []string `yaml:"tags"`
}

type inventoryYAML struct {
	Runners []runnerYAML `yaml:"runners"`
}

// YAMLSource loads runner definitions from a file on disk, used as the
// importer's input.
type YAMLSource struct {
	Path string
}

// Load reads, parses and validates every runner in the file, returning an
// error for the first invalid one.
func (s YAMLSource) Load() ([]db.Runner, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("inventory: read %s: %w", s.Path, err)
	}

	var doc inventoryYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("inventory: parse %s: %w", s.Path, err)
	}

	rows := make([]db.Runner, 0, len(doc.Runners))
	for _, r := range doc.Runners {
		row, err := validateAndConvert(r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// validateAndConvert enforces the same required-field rules the original
// load_inventory() applied per backend before handing rows to the importer.
func validateAndConvert(r runnerYAML) (db.Runner, error) {
	if r.Backend != db.BackendProxmox && r.Backend != db.BackendBareMetal {
		return db.Runner{}, fmt.Errorf("inventory: runner %q: invalid backend %q, must be %q or %q",
			r.RunnerID, r.Backend, db.BackendProxmox, db.BackendBareMetal)
	}

	if r.Backend == db.BackendBareMetal && r.ResetCmd == "" {
		return db.Runner{}, fmt.Errorf("inventory: runner %q: bare_metal backend requires reset_cmd", r.RunnerID)
	}

	if r.Backend == db.BackendProxmox {
		missing := []string{}
		if r.ProxmoxHost == "" {
			missing = append(missing, "proxmox_host")
		}
		if r.ProxmoxUser == "" {
			missing = append(missing, "proxmox_user")
		}
		if r.ProxmoxTokenName == "" {
			missing = append(missing, "proxmox_token_name")
		}
		if r.ProxmoxTokenValue == "" {
			missing = append(missing, "proxmox_token_value")
		}
		if r.ProxmoxNode == "" {
			missing = append(missing, "proxmox_node")
		}
		if r.ProxmoxVMID == 0 {
			missing = append(missing, "proxmox_vmid")
		}
		if len(missing) > 0 {
			return db.Runner{}, fmt.Errorf("inventory: runner %q: proxmox backend missing required fields: %v", r.RunnerID, missing)
		}
	}

	tagsJSON, err := json.Marshal(r.Tags)
	if err != nil {
		return db.Runner{}, fmt.Errorf("inventory: runner %q: encode tags: %w", r.RunnerID, err)
	}
	tagsStr := string(tagsJSON)

	row := db.Runner{
		RunnerID: r.RunnerID,
		Backend:  r.Backend,
		Token:    r.Token,
		Tags:     &tagsStr,
		IsActive: true,
	}
	if r.ProxmoxHost != "" {
		row.ProxmoxHost = &r.ProxmoxHost
	}
	if r.ProxmoxUser != "" {
		row.ProxmoxUser = &r.ProxmoxUser
	}
	if r.ProxmoxTokenName != "" {
		row.ProxmoxTokenName = &r.ProxmoxTokenName
	}
	if r.ProxmoxTokenValue != "" {
		enc := db.EncryptedString(r.ProxmoxTokenValue)
		row.ProxmoxTokenValue = &enc
	}
	if r.ProxmoxNode != "" {
		row.ProxmoxNode = &r.ProxmoxNode
	}
	if r.ProxmoxVMID != 0 {
		row.ProxmoxVMID = &r.ProxmoxVMID
	}
	if r.ResetCmd != "" {
		row.ResetCmd = &r.ResetCmd
	}
	if r.CleanupCmd != "" {
		row.CleanupCmd = &r.CleanupCmd
	}
	if r.ReadinessCmd != "" {
		row.ReadinessCmd = &r.ReadinessCmd
	}
	if r.CIRunnerID != 0 {
		row.CIRunnerID = &r.CIRunnerID
	}

	return row, nil
}
