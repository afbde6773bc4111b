package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPayload = `{
	"jobId": "job-42",
	"jobName": "airfield sweep",
	"imageUrls": ["s3://imagery/scene.png"],
	"outputs": [{"type": "S3", "bucket": "results", "prefix": "out"}],
	"imageProcessor": {"name": "airplanes", "type": "SM_ENDPOINT"},
	"imageProcessorTileSize": 512,
	"imageProcessorTileOverlap": 32
}`

func writePayload(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
		wantOut string
	}{
		{
			name:    "valid request",
			body:    validPayload,
			wantOut: "request is valid",
		},
		{
			name:    "not json",
			body:    "{",
			wantErr: "invalid request",
		},
		{
			name: "missing outputs",
			body: `{
				"jobId": "job-42",
				"imageUrls": ["s3://imagery/scene.png"],
				"imageProcessor": {"name": "airplanes", "type": "SM_ENDPOINT"},
				"imageProcessorTileSize": 512
			}`,
			wantErr: "output sink",
		},
		{
			name: "overlap not smaller than tile",
			body: `{
				"jobId": "job-42",
				"imageUrls": ["s3://imagery/scene.png"],
				"outputs": [{"type": "S3", "bucket": "results"}],
				"imageProcessor": {"name": "airplanes", "type": "SM_ENDPOINT"},
				"imageProcessorTileSize": 512,
				"imageProcessorTileOverlap": 512
			}`,
			wantErr: "overlap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePayload(t, tt.body)

			var out bytes.Buffer
			validateCmd.SetOut(&out)
			err := runValidate(validateCmd, []string{path})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.wantOut)
			assert.Contains(t, out.String(), "job-42")
		})
	}
}
