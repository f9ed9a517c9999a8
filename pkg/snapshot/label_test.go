package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_TruncatesToSecondAndNormalizesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	in := time.Date(2026, 7, 31, 14, 30, 45, 123456789, loc)

	got := Format(in)
	assert.Equal(t, "2026-07-31T12-30-45Z", got)
}

func TestParse_RoundTripsFormat(t *testing.T) {
	want := time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC)
	got, err := Parse(Format(want))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestParse_RejectsOtherForms(t *testing.T) {
	bad := []string{
		"2026-07-31T12:30:45Z", // colons, not dashes
		"2026-07-31T12-30-45",  // missing Z
		"2026-07-31 12-30-45Z", // space, not T
		"2026-07-31T12-30Z",    // no seconds
		"not-a-label",
		"",
	}
	for _, label := range bad {
		_, err := Parse(label)
		assert.Error(t, err, "label %q should not parse", label)
	}
}

func TestParseReceived_RequiresSuffix(t *testing.T) {
	want := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)

	got, ok := ParseReceived(FormatReceived(want))
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	_, ok = ParseReceived(Format(want))
	assert.False(t, ok, "a label without the suffix is an in-flight subvolume, not a received snapshot")

	_, ok = ParseReceived("garbage" + ReceivedSuffix)
	assert.False(t, ok)
}
