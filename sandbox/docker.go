package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	pc "github.com/nevindra/pipelinecore"
)

// DockerSandbox runs code in a throwaway container per execution,
// interchangeable with HTTPSandbox at the code runner boundary.
type DockerSandbox struct {
	cli    *client.Client
	images map[string]string // language -> image ref
}

// NewDockerSandbox connects to the local Docker daemon using the
// environment's DOCKER_HOST (or the default socket).
func NewDockerSandbox() (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sandbox: connect: %w", err)
	}
	return &DockerSandbox{
		cli: cli,
		images: map[string]string{
			"python": "python:3.12-slim",
			"node":   "node:22-slim",
		},
	}, nil
}

// WithImage overrides the container image used for a language.
func (s *DockerSandbox) WithImage(language, image string) *DockerSandbox {
	s.images[language] = image
	return s
}

func (s *DockerSandbox) Execute(ctx context.Context, req pc.CodeRequest) (pc.CodeResult, error) {
	image, ok := s.images[req.Language]
	if !ok {
		return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorPolicy, Message: "docker sandbox: no image configured for language " + req.Language}
	}

	timeout := req.Limits.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entrypoint, filename := interpreterFor(req.Language)

	envBytes, _ := json.Marshal(req.Env)
	script := wrapScript(req.Language, req.Code, string(envBytes))

	var memBytes int64
	if req.Limits.MemoryMB > 0 {
		memBytes = int64(req.Limits.MemoryMB) << 20
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        append(entrypoint, "/workspace/"+filename),
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		AutoRemove:  false,
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: memBytes,
		},
		PortBindings: nat.PortMap{},
	}, nil, nil, "")
	if err != nil {
		return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorException, Message: "docker sandbox: create: " + err.Error()}
	}
	defer s.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := copyToContainer(ctx, s.cli, resp.ID, filename, script); err != nil {
		return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorException, Message: "docker sandbox: copy: " + err.Error()}
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorException, Message: "docker sandbox: start: " + err.Error()}
	}

	statusCh, errCh := s.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorTimeout, Message: "docker sandbox: execution timed out"}
	case err := <-errCh:
		if err != nil {
			return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorException, Message: "docker sandbox: wait: " + err.Error()}
		}
	case status := <-statusCh:
		logs, logErr := s.readLogs(ctx, resp.ID)
		if logErr != nil {
			return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorException, Message: "docker sandbox: logs: " + logErr.Error()}
		}
		if status.StatusCode == 137 {
			return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorOOM, Message: "docker sandbox: container killed (likely OOM)"}
		}
		return parseOutput(logs, status.StatusCode)
	}
	return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorException, Message: "docker sandbox: unreachable"}
}

func (s *DockerSandbox) readLogs(ctx context.Context, containerID string) ([]byte, error) {
	out, err := s.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, err
	}
	defer out.Close()
	return io.ReadAll(out)
}

// resultMarker delimits the last line of stdout, which the wrapped
// script writes as a JSON-encoded {"result": ...} object.
const resultMarker = "__SANDBOX_RESULT__"

func interpreterFor(language string) (cmd []string, filename string) {
	switch language {
	case "node":
		return []string{"node"}, "main.js"
	default:
		return []string{"python3"}, "main.py"
	}
}

func wrapScript(language, code, envJSON string) string {
	switch language {
	case "node":
		return fmt.Sprintf("const env = %s;\n%s\n", envJSON, code)
	default:
		return fmt.Sprintf("import json\nenv = json.loads(%q)\n%s\n", envJSON, code)
	}
}

func parseOutput(logs []byte, statusCode int64) (pc.CodeResult, error) {
	lines := bytes.Split(logs, []byte("\n"))
	var result any
	var logLines []string
	for _, line := range lines {
		if bytes.HasPrefix(line, []byte(resultMarker)) {
			_ = json.Unmarshal(bytes.TrimPrefix(line, []byte(resultMarker)), &result)
			continue
		}
		if len(line) > 0 {
			logLines = append(logLines, string(line))
		}
	}
	if statusCode != 0 {
		return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorException, Message: fmt.Sprintf("exit status %d", statusCode)}
	}
	return pc.CodeResult{Result: result, Logs: logLines}, nil
}

func copyToContainer(ctx context.Context, cli *client.Client, containerID, filename, content string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: filename, Mode: 0644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return cli.CopyToContainer(ctx, containerID, "/workspace", &buf, container.CopyToContainerOptions{})
}

var _ pc.Sandbox = (*DockerSandbox)(nil)
