package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"forgeflow.dev/sessiond/common"
	"forgeflow.dev/sessiond/common/id"
	"forgeflow.dev/sessiond/common/logger"
	"forgeflow.dev/sessiond/internal/model"
)

// awaitingInputMarker is the control line a session command prints when it
// needs a human reply before continuing.
const awaitingInputMarker = "::awaiting-input::"

// CommandGateway runs each session as a child process of a configured
// command. The scheduler supervises the process through the Reporter; it
// never executes session work inline.
type CommandGateway struct {
	command     string
	provisioner Provisioner
	reporter    Reporter
	logger      *slog.Logger

	mu      sync.Mutex
	handles map[string]*commandHandle
}

func NewCommandGateway(command string, provisioner Provisioner, reporter Reporter, log *slog.Logger) *CommandGateway {
	if log == nil {
		log = slog.Default()
	}
	return &CommandGateway{
		command:     command,
		provisioner: provisioner,
		reporter:    reporter,
		logger:      log,
		handles:     make(map[string]*commandHandle),
	}
}

func (g *CommandGateway) Dispatch(ctx context.Context, req DispatchRequest) (Handle, error) {
	if g.command == "" {
		return nil, fmt.Errorf("no executor command configured")
	}

	workdir, err := g.provisioner.Provision(ctx, req.Key)
	if err != nil {
		return nil, fmt.Errorf("provisioning session environment: %w", err)
	}

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling session metadata: %w", err)
	}

	// The process must outlive the dispatch call; cancellation goes
	// through Handle.Cancel, not the request context.
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, g.command)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"SESSION_REPO="+req.Key.Repo,
		"SESSION_ISSUE="+req.Key.Issue,
		"SESSION_ATTEMPT="+strconv.Itoa(req.Attempt),
		"SESSION_METADATA="+string(metadata),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening session stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening session stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting session command: %w", err)
	}

	h := &commandHandle{
		id:     id.NewString(),
		cancel: cancel,
		stdin:  stdin,
	}

	g.mu.Lock()
	g.handles[h.id] = h
	g.mu.Unlock()

	// Started is reported from the supervise goroutine, never from inside
	// Dispatch: the scheduler is still waiting on this call and must record
	// the handle before reacting to reporter callbacks.
	go g.supervise(runCtx, req, h, cmd, stdout)

	return h, nil
}

// Reattach always fails: child processes do not survive the daemon, so
// recovery deterministically fails orphaned tickets instead of resuming.
func (g *CommandGateway) Reattach(handleID string) (Handle, error) {
	return nil, fmt.Errorf("handle %s: %w", handleID, ErrNoReattach)
}

func (g *CommandGateway) supervise(ctx context.Context, req DispatchRequest, h *commandHandle, cmd *exec.Cmd, stdout io.Reader) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "sessiond.executor",
		TicketID:  logger.I64(req.TicketID),
		Repo:      logger.Str(req.Key.Repo),
		Issue:     logger.Str(req.Key.Issue),
	})

	g.reporter.Started(req.TicketID)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if question, ok := strings.CutPrefix(line, awaitingInputMarker); ok {
			g.reporter.AwaitingInput(req.TicketID, strings.TrimSpace(question))
			continue
		}
		g.logger.DebugContext(ctx, "session output", "line", line)
	}

	err := cmd.Wait()

	g.mu.Lock()
	delete(g.handles, h.id)
	g.mu.Unlock()

	if h.cancelled() {
		// Halted sessions report nothing: the scheduler already moved
		// the ticket and released its slot.
		g.logger.InfoContext(ctx, "session cancelled", "handle", h.id)
		return
	}

	if err != nil {
		g.reporter.Failed(req.TicketID, err.Error())
		return
	}
	g.reporter.Completed(req.TicketID)
}

type commandHandle struct {
	id     string
	cancel context.CancelFunc
	stdin  io.WriteCloser

	mu        sync.Mutex
	wasCancel bool
}

func (h *commandHandle) ID() string {
	return h.id
}

func (h *commandHandle) Cancel() {
	h.mu.Lock()
	h.wasCancel = true
	h.mu.Unlock()
	h.cancel()
}

func (h *commandHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wasCancel
}

// Resume forwards a human reply to the session's stdin.
func (h *commandHandle) Resume(reply string) error {
	if _, err := io.WriteString(h.stdin, reply+"\n"); err != nil {
		return fmt.Errorf("writing reply to session: %w", err)
	}
	return nil
}

// DirProvisioner provisions one directory per session under a base path.
type DirProvisioner struct {
	BaseDir string
}

func (p DirProvisioner) Provision(_ context.Context, key model.SessionKey) (string, error) {
	repo, err := common.Slugify(key.Repo, "repo")
	if err != nil {
		return "", fmt.Errorf("slugging repo for workdir: %w", err)
	}
	issue, err := common.Slugify(key.Issue, "issue")
	if err != nil {
		return "", fmt.Errorf("slugging issue for workdir: %w", err)
	}
	dir := filepath.Join(p.BaseDir, repo, issue)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session workdir: %w", err)
	}
	return dir, nil
}
