package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// commandPayload is the JSON document handed to the reviewer command on
// stdin.
type commandPayload struct {
	TaskID               string `json:"task_id"`
	Description          string `json:"description"`
	RiskTier             string `json:"risk_tier"`
	ShipMode             string `json:"ship_mode"`
	Attempts             int    `json:"attempts"`
	ReportStatus         string `json:"report_status"`
	ReportPath           string `json:"report_path"`
	ImplementationOutput string `json:"implementation_output"`
}

// commandResponse is what the reviewer command must print on stdout.
type commandResponse struct {
	Verdict   string `json:"verdict"`
	Rationale string `json:"rationale"`
}

// CommandPort runs an external reviewer command through the shell, feeding
// the request as JSON on stdin and reading a JSON verdict from stdout.
type CommandPort struct {
	Command string
	Dir     string
}

func (p *CommandPort) Decide(ctx context.Context, req Request) (Decision, error) {
	if p.Command == "" {
		return Decision{}, fmt.Errorf("no review command configured")
	}
	payload := commandPayload{
		TaskID:               req.Task.ID,
		Description:          req.Task.Description,
		RiskTier:             string(req.Task.RiskTier),
		ShipMode:             string(req.Task.ShipMode),
		Attempts:             req.Task.Attempts,
		ImplementationOutput: req.ImplementationOutput,
	}
	if req.Report != nil {
		payload.ReportStatus = req.Report.Status
		payload.ReportPath = req.Report.ArtifactPath
	}

	input, err := json.Marshal(payload)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal reviewer payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = p.Dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Decision{}, fmt.Errorf("reviewer command timed out")
		}
		return Decision{}, fmt.Errorf("reviewer command failed: %w (stderr: %s)", err, stderr.String())
	}

	var resp commandResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Decision{}, fmt.Errorf("reviewer output is not valid JSON: %w", err)
	}

	return Decision{
		Verdict:   Verdict(resp.Verdict),
		Rationale: resp.Rationale,
	}, nil
}
