package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndAllOrdered(t *testing.T) {
	s := openStore(t)
	base := time.Now()

	require.NoError(t, s.Append(Record{Path: "/m/b.mkv", CompletedAt: base.Add(time.Second)}))
	require.NoError(t, s.Append(Record{Path: "/m/a.mkv", CompletedAt: base}))

	recs, err := s.All()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "/m/a.mkv", recs[0].Path, "records iterate in completion order")
	assert.Equal(t, "/m/b.mkv", recs[1].Path)
}

func TestSummarize(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Append(Record{
		Path: "/m/a.mkv", OriginalBytes: 100, EncodedBytes: 60,
		CodecBefore: "h264", CodecAfter: "hevc_nvenc", CompletedAt: time.Now(),
	}))
	require.NoError(t, s.Append(Record{
		Path: "/m/b.mkv", OriginalBytes: 200, EncodedBytes: 100,
		CompletedAt: time.Now().Add(time.Millisecond),
	}))

	sum, err := s.Summarize()
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Count)
	assert.Equal(t, int64(300), sum.OriginalBytes)
	assert.Equal(t, int64(160), sum.EncodedBytes)
	assert.Equal(t, int64(140), sum.SavedBytes)
	assert.InDelta(t, 0.55, sum.MeanRatio, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	s := openStore(t)
	sum, err := s.Summarize()
	require.NoError(t, err)
	assert.Zero(t, sum.Count)
	assert.Zero(t, sum.MeanRatio)
}
