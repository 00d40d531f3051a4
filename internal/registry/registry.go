// Package registry builds container images through the local Docker
// daemon and pushes them to a remote registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/caravel-labs/caravel-go/internal/executor"
	"github.com/caravel-labs/caravel-go/internal/platform/env"
)

type Config struct {
	// Host overrides the daemon address. Empty means the standard
	// DOCKER_HOST environment resolution.
	Host string
}

func ConfigFromEnv() Config {
	return Config{
		Host: env.String("CARAVEL_DOCKER_HOST", ""),
	}
}

// daemonAPI is the slice of the Docker client this package exercises.
type daemonAPI interface {
	DistributionInspect(ctx context.Context, image, encodedRegistryAuth string) (registrytypes.DistributionInspect, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

type Client struct {
	dc daemonAPI
}

func New(cfg Config) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	dc, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{dc: dc}, nil
}

// ImageExists queries the remote registry for the manifest of ref.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return false, fmt.Errorf("parse image reference %q: %w", ref, err)
	}
	_, err = c.dc.DistributionInspect(ctx, named.String(), "")
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect %s: %w", named.String(), err)
	}
	return true, nil
}

// BuildImage builds contextDir with the named dockerfile and tags the
// result as ref. The daemon's JSON progress stream is drained so build
// errors reported mid-stream surface as errors here.
func (c *Client) BuildImage(ctx context.Context, contextDir, dockerfile, ref string) error {
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return executor.Permanent(fmt.Errorf("parse image reference %q: %w", ref, err))
	}

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	resp, err := c.dc.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return classifyDaemonErr(fmt.Errorf("build %s: %w", ref, err))
	}
	defer resp.Body.Close()

	if err := drainStream(resp.Body); err != nil {
		wrapped := fmt.Errorf("build %s: %w", ref, err)
		// An error in the build stream is the daemon rejecting the build
		// itself (Dockerfile error, failed build step); retrying
		// reproduces it.
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return executor.Permanent(wrapped)
		}
		return wrapped
	}
	return nil
}

// PushImage pushes ref using the registry bearer token for auth. The
// token is never logged; it travels only in the encoded auth header.
func (c *Client) PushImage(ctx context.Context, ref string, authToken string) error {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return executor.Permanent(fmt.Errorf("parse image reference %q: %w", ref, err))
	}

	auth := registrytypes.AuthConfig{
		ServerAddress: reference.Domain(named),
		RegistryToken: authToken,
	}
	encoded, err := registrytypes.EncodeAuthConfig(auth)
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}

	out, err := c.dc.ImagePush(ctx, named.String(), image.PushOptions{
		RegistryAuth: encoded,
	})
	if err != nil {
		return classifyDaemonErr(fmt.Errorf("push %s: %w", named.String(), err))
	}
	defer out.Close()

	if err := drainStream(out); err != nil {
		wrapped := fmt.Errorf("push %s: %w", named.String(), err)
		if isAuthStreamError(err) {
			return executor.Permanent(wrapped)
		}
		return wrapped
	}
	return nil
}

func (c *Client) Close() error {
	return c.dc.Close()
}

// drainStream consumes a daemon JSON message stream and returns the
// error embedded in it, if any.
func drainStream(r io.Reader) error {
	return jsonmessage.DisplayJSONMessagesStream(r, io.Discard, 0, false, nil)
}

// classifyDaemonErr marks the daemon error classes that cannot succeed
// on retry. Everything else stays retryable.
func classifyDaemonErr(err error) error {
	if errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) ||
		errdefs.IsInvalidParameter(err) || errdefs.IsNotFound(err) {
		return executor.Permanent(err)
	}
	return err
}

// isAuthStreamError reports whether a push stream error is a registry
// auth rejection. The daemon reports these mid-stream without a typed
// error, so the message text is the only signal.
func isAuthStreamError(err error) bool {
	var jerr *jsonmessage.JSONError
	if !errors.As(err, &jerr) {
		return false
	}
	if jerr.Code == 401 || jerr.Code == 403 {
		return true
	}
	msg := strings.ToLower(jerr.Message)
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "denied")
}
