package process

import (
	"archive/tar"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarContext_PacksDockerfileAndFiles(t *testing.T) {
	t.Parallel()

	r, err := tarContext("FROM alpine:3.20\n", map[string]string{
		"app.main": "print('hi')",
	})
	require.NoError(t, err)

	got := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		got[hdr.Name] = string(content)
	}

	assert.Equal(t, "FROM alpine:3.20\n", got["Dockerfile"])
	assert.Equal(t, "print('hi')", got["app.main"])
}

func TestTarContext_RejectsTraversal(t *testing.T) {
	t.Parallel()

	_, err := tarContext("FROM alpine:3.20", map[string]string{"../escape": "x"})
	assert.Error(t, err)

	_, err = tarContext("FROM alpine:3.20", map[string]string{"/abs": "x"})
	assert.Error(t, err)
}

func TestDrainBuildOutput_SurfacesErrors(t *testing.T) {
	t.Parallel()

	stream := `{"stream":"Step 1/2 : FROM alpine:3.20\n"}
{"stream":" ---> abc\n"}
{"error":"executor failed: exit code 1"}`

	err := drainBuildOutput(strings.NewReader(stream))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 1")
}

func TestDrainBuildOutput_CleanBuild(t *testing.T) {
	t.Parallel()

	stream := `{"stream":"Step 1/1 : FROM alpine:3.20\n"}
{"stream":"Successfully built abc\n"}`

	assert.NoError(t, drainBuildOutput(strings.NewReader(stream)))
}

func TestPortAllocator_FirstFreeAndExhaustion(t *testing.T) {
	t.Parallel()

	m := &Manager{
		procs: map[string]*proc{},
		ports: map[int]string{},
	}
	m.cfg.PortStart = 5100
	m.cfg.PortEnd = 5102

	for _, want := range []int{5100, 5101, 5102} {
		port, err := m.allocatePort()
		require.NoError(t, err)
		assert.Equal(t, want, port)
		m.ports[port] = "app"
	}

	_, err := m.allocatePort()
	assert.ErrorIs(t, err, ErrNoFreePorts)

	// Freeing a port makes it allocatable again.
	delete(m.ports, 5101)
	port, err := m.allocatePort()
	require.NoError(t, err)
	assert.Equal(t, 5101, port)
}
