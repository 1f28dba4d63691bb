package nectar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPathDestinationOpensAndCloses(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.bin")
	req := NewRequest("http://example.com/f", PathDestination(dst), nil, nil)

	w, err := req.initializeFileHandle()
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)

	require.NoError(t, req.finalizeFileHandle())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestRequestSinkDestinationIsNotClosedByEngine(t *testing.T) {
	var buf sinkBuf
	req := NewRequest("http://example.com/f", SinkDestination{&buf}, nil, nil)

	w, err := req.initializeFileHandle()
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)

	require.NoError(t, req.finalizeFileHandle())
	assert.Equal(t, "data", string(buf.data))
}

func TestRequestCancelIsObservableAcrossGoroutines(t *testing.T) {
	req := NewRequest("http://example.com/f", PathDestination("/tmp/x"), nil, nil)
	assert.False(t, req.Canceled())

	done := make(chan struct{})
	go func() {
		req.Cancel()
		close(done)
	}()
	<-done
	assert.True(t, req.Canceled())
}
