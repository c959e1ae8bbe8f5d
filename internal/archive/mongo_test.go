package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobster-sched/lobster/internal/platform/config"
	"github.com/lobster-sched/lobster/internal/taskhandler"
)

func TestNewReportArchiveDisabledReturnsNil(t *testing.T) {
	archive, err := NewReportArchive(context.Background(), config.ArchiveConfig{MongoEnabled: false})
	require.NoError(t, err)
	assert.Nil(t, archive)
}

func TestReportArchiveInsertOnNilReceiverIsNoop(t *testing.T) {
	var archive *ReportArchive
	err := archive.Insert(context.Background(), "wf", 1, taskhandler.Report{})
	assert.NoError(t, err, "a disabled archive must never fail report processing")
}

func TestReportArchiveCloseOnNilReceiverIsNoop(t *testing.T) {
	var archive *ReportArchive
	assert.NoError(t, archive.Close(context.Background()))
}
