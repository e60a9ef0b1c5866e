package manifest

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"epc-control/internal/store"
)

// Action ops.
const (
	OpInstall = "install"
	OpUpdate  = "update"
)

// Command identity for synthesized update work. The action tag is
// registered as idempotent in the queue, so at most one non-terminal
// update command exists per device.
const (
	CommandTypeScriptExecution = "script_execution"
	ActionUpdateScripts        = "update_scripts"

	// updatePriority sits above routine operator commands (default 5)
	// but below emergency work.
	updatePriority = 2
)

// Action is one planned convergence step for a single script.
type Action struct {
	Script string     `json:"script"`
	Op     string     `json:"action"`
	Spec   ScriptSpec `json:"-"`
}

// Plan compares the device's reported script hashes against the
// manifest. Pure and deterministic: scripts are visited in sorted name
// order. A script missing from the report needs an install, a hash
// mismatch needs an update, a match yields nothing.
func Plan(reported map[string]string, m Manifest) []Action {
	names := make([]string, 0, len(m.Scripts))
	for name := range m.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	var actions []Action
	for _, name := range names {
		spec := m.Scripts[name]
		have, ok := reported[name]
		switch {
		case !ok || have == "":
			actions = append(actions, Action{Script: name, Op: OpInstall, Spec: spec})
		case have != spec.SHA256:
			actions = append(actions, Action{Script: name, Op: OpUpdate, Spec: spec})
		}
	}
	return actions
}

// ScriptUpdatePayload is the structured instruction body of a
// synthesized update command. The device-side executor fetches each
// script from its source URL into a temporary location, hashes the
// fetched bytes, and only installs into the target path (with the
// given mode) when the hash matches. A mismatch aborts that single
// script and the executor continues with the rest, so one bad download
// never blocks the others. Re-running against a converged device is a
// per-script no-op.
type ScriptUpdatePayload struct {
	Kind            string         `json:"kind"`
	ManifestVersion string         `json:"manifest_version"`
	Actions         []ScriptAction `json:"actions"`
}

// PayloadKindScriptUpdate tags ScriptUpdatePayload in the command's
// payload variant.
const PayloadKindScriptUpdate = "script_update"

type ScriptAction struct {
	Script         string `json:"script"`
	Action         string `json:"action"`
	SourceURL      string `json:"source_url"`
	InstallPath    string `json:"install_path"`
	ExpectedSHA256 string `json:"expected_sha256"`
	Mode           string `json:"mode"`
}

// GenerateCommand synthesizes the single command that carries every
// planned action to the device. Returns nil when there is nothing to
// do.
func GenerateCommand(device *store.Device, m Manifest, actions []Action) (*store.Command, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	payload := ScriptUpdatePayload{
		Kind:            PayloadKindScriptUpdate,
		ManifestVersion: m.Version,
		Actions:         make([]ScriptAction, 0, len(actions)),
	}
	for _, a := range actions {
		mode := a.Spec.Mode
		if mode == "" {
			mode = DefaultMode
		}
		payload.Actions = append(payload.Actions, ScriptAction{
			Script:         a.Script,
			Action:         a.Op,
			SourceURL:      a.Spec.URL,
			InstallPath:    a.Spec.InstallPath,
			ExpectedSHA256: a.Spec.SHA256,
			Mode:           mode,
		})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &store.Command{
		ID:          uuid.New(),
		DeviceID:    device.ID,
		TenantID:    device.TenantID,
		CommandType: CommandTypeScriptExecution,
		Action:      ActionUpdateScripts,
		Payload:     datatypes.JSON(raw),
		Priority:    updatePriority,
		Description: "converge scripts to manifest " + m.Version,
		CreatedBy:   "planner",
		ExpiresAt:   time.Now().UTC().Add(store.DefaultCommandTTL),
	}, nil
}
