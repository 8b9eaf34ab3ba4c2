package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/fleet/internal/model"
)

// Installer applies deployment actions by shelling out to the host's install
// helper. The helper owns the package-manager specifics; the agent only
// passes the action, package name, and version.
type Installer struct {
	logger  zerolog.Logger
	helper  string
	timeout time.Duration
}

func NewInstaller(helper string, timeout time.Duration, logger zerolog.Logger) *Installer {
	return &Installer{
		logger:  logger.With().Str("component", "installer").Logger(),
		helper:  helper,
		timeout: timeout,
	}
}

// Apply runs the install helper for one deployment action. Like the
// executor, a failed install is reported through Result; the error return
// means the helper could not be started at all.
func (i *Installer) Apply(ctx context.Context, pd *model.PendingDeployment) (*Result, error) {
	action := "install"
	if pd.Mode == model.ModeUninstall {
		action = "uninstall"
	}

	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, i.helper, action, pd.PackageName, pd.PackageVersion)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	i.logger.Info().
		Str("deployment_status_id", pd.DeploymentStatusID).
		Str("package", pd.PackageName).
		Str("version", pd.PackageVersion).
		Str("action", action).
		Msg("applying deployment")

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		Duration: elapsed,
	}

	switch {
	case err == nil:
		res.ExitCode = 0
	case runCtx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Stderr = truncate(res.Stderr + "\ninstall timed out after " + i.timeout.String())
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("start install helper for %s: %w", pd.DeploymentStatusID, err)
		}
	}
	return res, nil
}
