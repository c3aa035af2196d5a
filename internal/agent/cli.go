package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/policy"
	"github.com/xiehust/owork/internal/storage"
)

// maxLineSize bounds a single framed event. Assistant messages with large
// tool results can run long.
const maxLineSize = 10 * 1024 * 1024

// CLIRuntime launches the agent CLI as a subprocess speaking NDJSON on
// both pipes. Permission checks arrive as control requests on stdout and
// are answered on stdin.
type CLIRuntime struct {
	binary string
	logger *logger.Logger
}

// NewCLIRuntime creates a runtime shelling out to binary.
func NewCLIRuntime(binary string, log *logger.Logger) *CLIRuntime {
	if binary == "" {
		binary = "claude"
	}
	return &CLIRuntime{binary: binary, logger: log}
}

// Start launches one turn.
func (r *CLIRuntime) Start(ctx context.Context, opts Options) (Handle, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	for _, dir := range opts.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	for _, dir := range opts.PluginPaths {
		args = append(args, "--plugin-dir", dir)
	}
	if opts.IncludeUserSettings {
		args = append(args, "--setting-sources", "project,user")
	} else {
		args = append(args, "--setting-sources", "project")
	}

	var tempFiles []string
	if len(opts.MCPServers) > 0 {
		path, err := writeMCPConfig(opts.Cwd, opts.MCPServers)
		if err != nil {
			return nil, err
		}
		tempFiles = append(tempFiles, path)
		args = append(args, "--mcp-config", path)
	}
	if opts.Sandbox != nil {
		path, err := writeSandboxSettings(opts.Cwd, opts.Sandbox)
		if err != nil {
			removeAll(tempFiles)
			return nil, err
		}
		tempFiles = append(tempFiles, path)
		args = append(args, "--settings", path)
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = policy.ProcessEnvironment(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		removeAll(tempFiles)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeAll(tempFiles)
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		removeAll(tempFiles)
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	h := &cliHandle{
		cmd:       cmd,
		stdin:     stdin,
		events:    make(chan Event, 32),
		gate:      opts.Gate,
		logger:    r.logger,
		tempFiles: tempFiles,
		done:      make(chan struct{}),
	}

	if err := h.sendUserMessage(opts.Prompt); err != nil {
		_ = cmd.Process.Kill()
		removeAll(tempFiles)
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	go h.readLoop(ctx, stdout)
	return h, nil
}

type cliHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	gate   ToolGate
	logger *logger.Logger

	writeMu   sync.Mutex
	tempFiles []string

	done     chan struct{}
	waitErr  error
	waitOnce sync.Once
	closed   atomic.Bool
}

func (h *cliHandle) Events() <-chan Event { return h.events }

// Interrupt sends the interrupt control request. The process answers with
// a result event and exits on its own; killing is the context's job.
func (h *cliHandle) Interrupt(ctx context.Context) error {
	req := map[string]interface{}{
		"type":       "control_request",
		"request_id": uuid.NewString(),
		"request":    map[string]interface{}{"subtype": "interrupt"},
	}
	return h.writeLine(req)
}

func (h *cliHandle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *cliHandle) sendUserMessage(text string) error {
	return h.writeLine(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": []map[string]interface{}{{"type": "text", "text": text}},
		},
	})
}

func (h *cliHandle) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err = h.stdin.Write(append(data, '\n'))
	return err
}

// readLoop parses framed events until stdout closes. Control requests are
// intercepted and answered; everything else is forwarded.
func (h *cliHandle) readLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			h.logger.Warn("Unparseable agent output line", zap.Error(err))
			continue
		}

		typ, _ := raw["type"].(string)
		switch typ {
		case "control_request":
			go h.handleControlRequest(ctx, raw)
		case "control_response":
			// Acknowledgement of our own control requests.
		default:
			subtype, _ := raw["subtype"].(string)
			sessionID, _ := raw["session_id"].(string)
			h.events <- Event{Type: typ, Subtype: subtype, SessionID: sessionID, Raw: raw}
		}
	}

	if err := scanner.Err(); err != nil {
		h.events <- Event{Type: EventResult, Subtype: "error", Err: fmt.Errorf("agent stream read failed: %w", err)}
	}
	h.finish()
}

// handleControlRequest answers can_use_tool checks through the gate. The
// gate may block for minutes while a human decides.
func (h *cliHandle) handleControlRequest(ctx context.Context, raw map[string]interface{}) {
	requestID, _ := raw["request_id"].(string)
	request, _ := raw["request"].(map[string]interface{})
	subtype, _ := request["subtype"].(string)
	if subtype != "can_use_tool" {
		return
	}

	toolName, _ := request["tool_name"].(string)
	input, _ := request["input"].(map[string]interface{})

	decision := ToolDecision{Allow: true}
	if h.gate != nil {
		decision = h.gate(ctx, toolName, input)
	}

	response := map[string]interface{}{"behavior": "deny", "message": decision.Reason}
	if decision.Allow {
		response = map[string]interface{}{"behavior": "allow"}
		if decision.UpdatedInput != nil {
			response["updatedInput"] = decision.UpdatedInput
		}
	}
	reply := map[string]interface{}{
		"type": "control_response",
		"response": map[string]interface{}{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	}
	if err := h.writeLine(reply); err != nil {
		h.logger.Warn("Failed to answer permission check", zap.Error(err))
	}
}

func (h *cliHandle) finish() {
	h.waitOnce.Do(func() {
		_ = h.stdin.Close()

		waited := make(chan error, 1)
		go func() { waited <- h.cmd.Wait() }()
		select {
		case err := <-waited:
			h.waitErr = err
		case <-time.After(10 * time.Second):
			_ = h.cmd.Process.Kill()
			h.waitErr = <-waited
		}

		removeAll(h.tempFiles)
		if !h.closed.Swap(true) {
			close(h.events)
		}
		close(h.done)
	})
}

// writeMCPConfig materializes enabled MCP server descriptors into the
// config file the agent CLI expects.
func writeMCPConfig(dir string, servers []*storage.MCPServer) (string, error) {
	entries := make(map[string]interface{}, len(servers))
	for _, s := range servers {
		if !s.Enabled {
			continue
		}
		entry := map[string]interface{}{}
		switch s.Transport {
		case "stdio", "":
			entry["command"] = s.Command
			if len(s.Args) > 0 {
				entry["args"] = s.Args
			}
			if len(s.Env) > 0 {
				entry["env"] = s.Env
			}
		default:
			entry["type"] = s.Transport
			entry["url"] = s.URL
		}
		entries[s.Name] = entry
	}
	return writeTempJSON(dir, "mcp-*.json", map[string]interface{}{"mcpServers": entries})
}

func writeSandboxSettings(dir string, sandbox *storage.SandboxSettings) (string, error) {
	settings := map[string]interface{}{
		"sandbox": map[string]interface{}{
			"enabled":                  sandbox.Enabled,
			"autoAllowBashIfSandboxed": sandbox.AutoAllowBash,
			"excludedCommands":         sandbox.ExcludedCommands,
			"allowUnsandboxedCommands": sandbox.AllowUnsandboxed,
		},
	}
	return writeTempJSON(dir, "settings-*.json", settings)
}

func writeTempJSON(dir, pattern string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		// Fall back to the system temp dir when cwd is not writable.
		f, err = os.CreateTemp("", pattern)
		if err != nil {
			return "", err
		}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
