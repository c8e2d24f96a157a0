package cmd

import (
	"fmt"
	"github.com/arcward/gemcord/gemcord"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := gemcord.Version
	originalCommitSHA := gemcord.CommitSHA
	originalBuildTime := gemcord.BuildTime

	t.Cleanup(
		func() {
			gemcord.Version = originalVersion
			gemcord.CommitSHA = originalCommitSHA
			gemcord.BuildTime = originalBuildTime
		},
	)

	gemcord.Version = "1.0.0"
	gemcord.CommitSHA = "abc123"
	gemcord.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		gemcord.Version,
		gemcord.CommitSHA,
		gemcord.BuildTime,
	)
	assert.Equal(t, expected, output)
}
