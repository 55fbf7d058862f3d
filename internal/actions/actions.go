// ABOUTME: Default device action handlers, either log-only or running a configured command.
// ABOUTME: Exports job parameters to the command's environment and decides completion deferral.

package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/2389/jobagent/internal/config"
	"github.com/2389/jobagent/internal/dispatch"
)

// maxOutput bounds the command output kept in status details.
const maxOutput = 1024

// Handler runs one device action.
type Handler struct {
	name            dispatch.ActionName
	command         []string
	deferCompletion bool
	logger          *slog.Logger
}

// New creates the handler for name from its configuration.
func New(name dispatch.ActionName, cfg config.ActionConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		name:            name,
		command:         slices.Clone(cfg.Command),
		deferCompletion: cfg.DeferCompletion,
		logger:          logger.With("component", "actions", "action", string(name)),
	}
}

// Handle implements dispatch.Handler.
func (h *Handler) Handle(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	// A reboot found in the backlog has already happened.
	if h.name == dispatch.Reboot && req.Mode == dispatch.ModeDrain {
		h.logger.Info("reboot completed before startup", "job_id", req.JobID)
		return dispatch.Result{Details: map[string]string{"note": "completed after restart"}}, nil
	}

	if len(h.command) == 0 {
		h.logger.Info("no command configured, nothing to run", "job_id", req.JobID, "params", req.Params)
		return dispatch.Result{}, nil
	}

	// Only a command that ran can finish the job out of band, by restarting
	// the agent so the next drain reports it.
	res := dispatch.Result{
		Deferred: req.Mode == dispatch.ModeContinuous && (h.deferCompletion || h.name == dispatch.Reboot),
	}

	output, err := h.run(ctx, req)
	if output != "" {
		res.Details = map[string]string{"output": output}
	}
	if err != nil {
		if output != "" {
			return dispatch.Result{}, fmt.Errorf("running %s: %w: %s", h.command[0], err, output)
		}
		return dispatch.Result{}, fmt.Errorf("running %s: %w", h.command[0], err)
	}

	h.logger.Info("command finished", "job_id", req.JobID, "deferred", res.Deferred)
	return res, nil
}

func (h *Handler) run(ctx context.Context, req dispatch.Request) (string, error) {
	cmd := exec.CommandContext(ctx, h.command[0], h.command[1:]...)
	cmd.Env = append(os.Environ(), Environment(req)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	h.logger.Debug("running command", "job_id", req.JobID, "command", h.command)
	err := cmd.Run()
	return tail(strings.TrimSpace(out.String()), maxOutput), err
}

// Environment returns the variables describing req to a command:
// JOBAGENT_JOB_ID, JOBAGENT_ACTION, JOBAGENT_MODE and one
// JOBAGENT_PARAM_<KEY> per parameter. Non-string values are JSON encoded.
func Environment(req dispatch.Request) []string {
	env := []string{
		"JOBAGENT_JOB_ID=" + req.JobID,
		"JOBAGENT_ACTION=" + string(req.Action),
		"JOBAGENT_MODE=" + string(req.Mode),
	}

	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		env = append(env, "JOBAGENT_PARAM_"+envKey(k)+"="+envValue(req.Params[k]))
	}
	return env
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, k)
}

func envValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// tail keeps at most the last n bytes of s without splitting a character.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// Register installs a handler for every known action. Configured actions
// run their command; the rest only log.
func Register(d *dispatch.Dispatcher, cfgs map[string]config.ActionConfig, logger *slog.Logger) error {
	for name := range cfgs {
		if !dispatch.ActionName(name).Valid() {
			return fmt.Errorf("configuring actions: %w", &dispatch.UnknownActionError{Name: name, Known: dispatch.Known()})
		}
	}

	for _, name := range dispatch.Known() {
		if err := d.Register(name, New(name, cfgs[string(name)], logger)); err != nil {
			return err
		}
	}
	return nil
}
