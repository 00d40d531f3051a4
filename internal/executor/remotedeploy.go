package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/caravel-labs/caravel-go/internal/domain"
)

// exitTempFail is sysexits EX_TEMPFAIL: the script hit a condition a
// retry can clear.
const exitTempFail = 75

// deployScript pulls the tagged image and swaps the running container.
// Stop and remove tolerate an absent container, and a container already
// running the target image is left alone, so re-running the script after
// a partial failure converges on the same end state. A failed pull is
// usually a registry or network blip, so it exits EX_TEMPFAIL.
const deployScript = `set -eu
want="$IMAGE_REF"
current="$(docker inspect --format '{{.Config.Image}}' "$CONTAINER" 2>/dev/null || true)"
if [ "$current" = "$want" ] && [ "$(docker inspect --format '{{.State.Running}}' "$CONTAINER" 2>/dev/null)" = "true" ]; then
  echo "already running $want"
  exit 0
fi
docker pull "$want" || exit 75
docker stop "$CONTAINER" 2>/dev/null || true
docker rm "$CONTAINER" 2>/dev/null || true
docker run --detach --restart unless-stopped --name "$CONTAINER" "$want"
`

func (e *StageExecutor) remoteDeploy(ctx context.Context, stage domain.StageDefinition, secrets map[string]string, rc RunContext) (Result, error) {
	if e.runner == nil {
		return Result{}, Permanent(fmt.Errorf("no remote runner configured"))
	}
	params := stage.Params.Deploy
	if params == nil {
		return Result{}, Permanent(fmt.Errorf("stage %q has no deploy params", stage.ID))
	}

	ref := params.Repository + ":" + ImageTag(params.TagTemplate, rc)
	env := map[string]string{
		"IMAGE_REF": ref,
		"CONTAINER": params.Container,
	}
	if token, ok := secrets["registry-token"]; ok {
		env["REGISTRY_TOKEN"] = token
	}

	result, err := e.runner.RunCommand(ctx, params.Host, deployScript, env)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("remote session to %s: %w", params.Host, err))
	}
	if result.ExitCode == exitTempFail {
		return Result{}, Transient(fmt.Errorf("deploy script on %s: temporary failure (exit %d): %s",
			params.Host, result.ExitCode, tail(result.Stderr)))
	}
	if result.ExitCode != 0 {
		return Result{}, Permanent(fmt.Errorf("deploy script on %s exited %d: %s",
			params.Host, result.ExitCode, tail(result.Stderr)))
	}

	e.logger.Info("remote deploy applied",
		"run_id", rc.RunID, "stage_id", stage.ID, "host", params.Host, "ref", ref)
	return Result{Diagnostic: fmt.Sprintf("deployed %s on %s: %s", ref, params.Host, tail(result.Stdout))}, nil
}

// tail keeps diagnostics bounded.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const limit = 512
	if len(s) > limit {
		return "..." + s[len(s)-limit:]
	}
	return s
}
