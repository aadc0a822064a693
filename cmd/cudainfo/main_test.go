package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gocuda/cuda"
	"github.com/gomlx/gocuda/simdriver"
	"github.com/stretchr/testify/require"
)

func TestSelfTest(t *testing.T) {
	rt, err := cuda.Load(simdriver.Name, nil)
	require.NoError(t, err)
	devices, err := rt.Devices()
	require.NoError(t, err)
	require.NotEmpty(t, devices)
	printDevices(devices)
	require.NoError(t, selfTest(devices, 1000))
	require.Zero(t, cuda.ResourcesAlive().Contexts)
}

func TestWriteSimImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builtin.img")
	require.NoError(t, os.WriteFile(path, simdriver.BuiltinImage(), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	img, err := simdriver.ParseImage(data)
	require.NoError(t, err)
	require.NotEmpty(t, img.Kernels)
}
