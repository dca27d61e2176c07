package process

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// BuildImage builds an image from the recipe and context files, returning
// the image name. The recipe must already have passed the analyzer; the
// manager does not re-gate here.
func (m *Manager) BuildImage(ctx context.Context, appID, recipe string, contextFiles map[string]string) (string, error) {
	imageName := fmt.Sprintf("llmos/%s:app", strings.ToLower(appID))

	buildContext, err := tarContext(recipe, contextFiles)
	if err != nil {
		return "", fmt.Errorf("assembling build context: %w", err)
	}

	resp, err := m.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return "", fmt.Errorf("building image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := drainBuildOutput(resp.Body); err != nil {
		return "", fmt.Errorf("build failed: %w", err)
	}

	slog.Info("image built", "app_id", appID, "image", imageName)
	return imageName, nil
}

// tarContext packs the recipe as Dockerfile plus any extra files into an
// in-memory tar stream.
func tarContext(recipe string, files map[string]string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	write := func(name, content string) error {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write([]byte(content))
		return err
	}

	if err := write("Dockerfile", recipe); err != nil {
		return nil, err
	}
	for name, content := range files {
		if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
			return nil, fmt.Errorf("refusing context file path %q", name)
		}
		if err := write(name, content); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// drainBuildOutput consumes the engine's JSON message stream and surfaces
// the first error.
func drainBuildOutput(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", strings.TrimSpace(msg.Error))
		}
		if s := strings.TrimSpace(msg.Stream); s != "" {
			slog.Debug("image build", "output", s)
		}
	}
	return scanner.Err()
}

// GetLogs returns the container's recent output with the engine's 8-byte
// multiplexing headers stripped, as clean UTF-8.
func (m *Manager) GetLogs(ctx context.Context, appID string, tail int) (string, error) {
	m.mu.Lock()
	p, ok := m.procs[appID]
	var containerID string
	if ok {
		containerID = p.info.ContainerID
	}
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	tailStr := "100"
	if tail > 0 {
		tailStr = fmt.Sprintf("%d", tail)
	}

	reader, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
	})
	if err != nil {
		return "", fmt.Errorf("fetching logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("demultiplexing logs: %w", err)
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	return strings.ToValidUTF8(out, "�"), nil
}
