package worker

import (
	"context"
	"crypto/rand"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"bifrost/api/model"
)

const taskRoot = "/var/task"

// DockerRunner runs each invocation in a throwaway container built from the
// platform's base image for the runtime. The container shares the host
// network so it can reach the runtime API on 127.0.0.1.
type DockerRunner struct {
	// Images overrides the base image per runtime tag.
	Images map[string]string
}

func NewDockerRunner() *DockerRunner {
	return &DockerRunner{Images: map[string]string{}}
}

func (d *DockerRunner) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	if opts.Artifact == nil {
		return nil, fmt.Errorf("no artifact for %s", opts.Definition.ID)
	}
	api, err := startRuntimeAPI(opts, "")
	if err != nil {
		return nil, fmt.Errorf("runtime api: %w", err)
	}
	defer api.Close()

	name := fmt.Sprintf("bifrost-%s-%s", containerSafe(opts.Definition.ID), randomSuffix())
	args, err := d.args(opts, name, api.Addr())
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("docker", args...)
	out := &outputBuffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}

	kill := func() {
		// docker run does not forward SIGKILL to the container
		exec.Command("docker", "kill", name).Run()
		cmd.Process.Kill()
	}
	res := supervise(ctx, api, opts.Deadline, kill, cmd.Wait)
	res.Duration = time.Since(start)
	res.Output = out.String()

	log := Logger().With(zap.String("function", opts.Definition.ID), zap.String("request", opts.RequestID))
	logOutput(log, res.Output)
	log.Debug("worker: container finished",
		zap.String("container", name),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (d *DockerRunner) args(opts RunOpts, name, runtimeAPI string) ([]string, error) {
	def := opts.Definition
	art := opts.Artifact
	image, err := d.image(def.Runtime)
	if err != nil {
		return nil, err
	}

	env := environment(opts, runtimeAPI)
	env["LAMBDA_TASK_ROOT"] = taskRoot

	args := []string{
		"run", "--rm", "--name", name,
		"--memory=512m", "--cpus=1", "--pids-limit=256",
		"--network=host",
		"-v", art.Location + ":" + taskRoot + ":ro",
		"-w", taskRoot,
	}

	var command []string
	switch def.Family() {
	case model.FamilyNode:
		file := nodeHandlerFile(art.Entry)
		for _, ext := range []string{".js", ".mjs", ".cjs"} {
			file = strings.TrimSuffix(file, ext)
		}
		command = []string{file + "." + def.HandlerExport()}
	case model.FamilyPython:
		command = []string{def.Handler}
	case model.FamilyGo, model.FamilyPassthrough:
		entry := art.Entry
		if entry == "" || def.Family() == model.FamilyPassthrough {
			entry = "bootstrap"
		}
		args = append(args, "--entrypoint", taskRoot+"/"+entry)
	default:
		return nil, fmt.Errorf("runtime %s cannot be run in a container", def.Runtime)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	args = append(args, image)
	return append(args, command...), nil
}

// image maps a runtime tag to its platform base image.
func (d *DockerRunner) image(runtime string) (string, error) {
	if img, ok := d.Images[runtime]; ok {
		return img, nil
	}
	switch {
	case strings.HasPrefix(runtime, "nodejs"):
		v := strings.TrimSuffix(strings.TrimPrefix(runtime, "nodejs"), ".x")
		return "public.ecr.aws/lambda/nodejs:" + v, nil
	case strings.HasPrefix(runtime, "python"):
		return "public.ecr.aws/lambda/python:" + strings.TrimPrefix(runtime, "python"), nil
	case strings.HasPrefix(runtime, "go"), strings.HasPrefix(runtime, "provided"):
		return "public.ecr.aws/lambda/provided:al2", nil
	}
	return "", fmt.Errorf("no base image for runtime %s", runtime)
}

// ImageExists reports whether image is present locally.
func (d *DockerRunner) ImageExists(ctx context.Context, image string) (bool, error) {
	cmd := exec.CommandContext(ctx, "docker", "image", "inspect", image)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func containerSafe(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '-'
	}, id)
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
