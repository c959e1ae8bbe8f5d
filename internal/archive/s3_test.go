package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobster-sched/lobster/internal/platform/config"
)

func TestNewLogArchiveDisabledReturnsNil(t *testing.T) {
	archive, err := NewLogArchive(context.Background(), config.ArchiveConfig{S3Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, archive)
}

func TestLogArchiveUploadOnNilReceiverIsNoop(t *testing.T) {
	var archive *LogArchive
	err := archive.Upload(context.Background(), "wf", 1, "/does/not/exist.log.gz")
	assert.NoError(t, err, "a disabled archive must never fail task processing")
}

func TestLogArchiveUploadMissingFileErrors(t *testing.T) {
	archive := &LogArchive{bucket: "bucket", prefix: "prefix"}
	err := archive.Upload(context.Background(), "wf", 1, "/does/not/exist.log.gz")
	assert.Error(t, err)
}
