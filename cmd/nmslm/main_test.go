package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-nms/plugin"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const faceConfig = `
score_threshold: 0.5
iou_threshold: 0.4
top_k: 16
keep_top_k: 4
`

func TestFields(t *testing.T) {
	out, err := execute(t, "fields", "--plugin", plugin.NameEfficient)
	require.NoError(t, err)
	assert.Contains(t, out, plugin.NameEfficient)
	assert.Contains(t, out, "max_output_boxes")

	out, err = execute(t, "fields")
	require.NoError(t, err)
	assert.Contains(t, out, "keepTopK")
	assert.Contains(t, out, "float32")

	_, err = execute(t, "fields", "--plugin", "nope")
	assert.Error(t, err)
}

func TestSerializeInspect(t *testing.T) {
	config := writeFile(t, "face.yaml", faceConfig)
	blob := filepath.Join(t.TempDir(), "nms.bin")

	_, err := execute(t, "serialize", "--log-level", "error", "-c", config,
		"--priors", "16", "--landmarks", "5", "-o", blob)
	require.NoError(t, err)

	out, err := execute(t, "inspect", blob)
	require.NoError(t, err)

	var r report
	require.NoError(t, yaml.Unmarshal([]byte(out), &r))
	assert.Equal(t, plugin.NameDynamic, r.Plugin)
	assert.Equal(t, 16, r.Priors)
	assert.Equal(t, int32(4), r.Parameters.KeepTopK)
	assert.Equal(t, float32(0.4), r.Parameters.IoUThreshold)

	// A blob of another plugin layout is rejected.
	_, err = execute(t, "inspect", "--plugin", plugin.NameEfficient, blob)
	assert.Error(t, err)

	fixed := filepath.Join(t.TempDir(), "fixed.bin")
	_, err = execute(t, "serialize", "--plugin", plugin.NameBatched, "-c", config,
		"--priors", "16", "--batch", "4", "-o", fixed)
	require.NoError(t, err)
	out, err = execute(t, "inspect", "--plugin", plugin.NameBatched, fixed)
	require.NoError(t, err)
	var f report
	require.NoError(t, yaml.Unmarshal([]byte(out), &f))
	assert.Equal(t, 4, f.MaxBatch)
	assert.Equal(t, 16, f.Priors)
}

func TestSerializeHex(t *testing.T) {
	out, err := execute(t, "serialize", "--plugin", plugin.NameEfficient)
	require.NoError(t, err)
	path := writeFile(t, "nms.hex", out)

	text, err := execute(t, "inspect", "--hex", "--plugin", plugin.NameEfficient, path)
	require.NoError(t, err)
	assert.Contains(t, text, "efficient:")
	assert.Contains(t, text, "outputs: 5")
}

const faceBatch = `
priors: 2
classes: 1
landmarks: 1
items:
  - boxes: [0, 0, 0.5, 0.5, 0, 0, 0.5, 0.5]
    scores: [0.75, 0.875]
    landmarks: [0.125, 0.25, 0.375, 0.5]
  - boxes: [0, 0, 0.25, 0.25, 0.5, 0.5, 0.75, 0.75]
    scores: [0.75, 0.625]
    landmarks: [0.5, 0.625, 0.75, 0.875]
`

func TestRun(t *testing.T) {
	config := writeFile(t, "face.yaml", faceConfig)
	input := writeFile(t, "batch.yaml", faceBatch)

	for _, name := range []string{plugin.NameDynamic, plugin.NameBatched} {
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, "run", "--plugin", name, "-c", config, "-i", input)
			require.NoError(t, err)

			var got struct {
				Detections [][]detectionReport `yaml:"detections"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(out), &got))
			require.Len(t, got.Detections, 2)
			require.Len(t, got.Detections[0], 1)
			assert.Equal(t, float32(0.875), got.Detections[0][0].Score)
			assert.Equal(t, []float32{0.375, 0.5}, got.Detections[0][0].Landmarks)
			require.Len(t, got.Detections[1], 2)
			assert.Equal(t, [4]float32{0.5, 0.5, 0.75, 0.75}, got.Detections[1][1].Box)
		})
	}

	_, err := execute(t, "run", "--precision", "FP16", "-c", config, "-i", input)
	require.NoError(t, err)

	_, err = execute(t, "run", "--repeat", "3", "--log-level", "error", "-c", config, "-i", input)
	require.NoError(t, err)
}

func TestRunErrors(t *testing.T) {
	_, err := execute(t, "run")
	assert.Error(t, err)

	_, err = execute(t, "run", "--repeat", "0", "-i", writeFile(t, "batch.yaml", faceBatch))
	assert.Error(t, err)

	_, err = execute(t, "run", "-i", writeFile(t, "empty.yaml", "priors: 0\n"))
	assert.Error(t, err)

	// More classes than the parameter set declares.
	input := writeFile(t, "batch.yaml", `
priors: 1
classes: 2
items:
  - boxes: [0, 0, 1, 1]
    scores: [0.9, 0.9]
`)
	_, err = execute(t, "run", "-i", input)
	assert.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	_, err := execute(t, "fields", "--log-level", "loud")
	assert.Error(t, err)
}
