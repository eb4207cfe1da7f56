package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitutePlaceholders(t *testing.T) {
	// a Wednesday
	now := time.Date(2024, 5, 15, 10, 4, 5, 0, time.UTC)

	assert.Equal(t, "2024-05-15", substitutePlaceholders("@TODAY@", now))
	assert.Equal(t, "2024-05-16", substitutePlaceholders("@TOMORROW@", now))
	assert.Equal(t, "2024-05-14", substitutePlaceholders("@YESTERDAY@", now))
	assert.Equal(t, "2024-05-15T10:04:05Z", substitutePlaceholders("@NOW@", now))
	assert.Equal(t, "2024/05", substitutePlaceholders("@YEAR@/@MONTH@", now))
	assert.Equal(t, "10:04:05", substitutePlaceholders("@TIME@", now))
	assert.Equal(t, "+0000", substitutePlaceholders("@TZ_OFFSET@", now))

	// weekday names resolve forward, today included
	assert.Equal(t, "2024-05-15", substitutePlaceholders("@WEDNESDAY@", now))
	assert.Equal(t, "2024-05-20", substitutePlaceholders("@MONDAY@", now))

	// unknown tokens stay
	assert.Equal(t, "@WHATEVER@", substitutePlaceholders("@WHATEVER@", now))
	assert.Equal(t, "plain text", substitutePlaceholders("plain text", now))
}

func TestReferenceTime(t *testing.T) {
	ts, err := referenceTime(map[string]string{"now": "2024-05-15T10:04:05Z"})
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	// human dates go through the date parser
	ts, err = referenceTime(map[string]string{"now": "yesterday"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -1), ts, 36*time.Hour)

	_, err = referenceTime(map[string]string{"now": "@@not a time@@"})
	assert.ErrorContains(t, err, "env.now")

	ts, err = referenceTime(nil)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}
