package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	id := "6f1c2b7e-0d7a-4c55-9d0b-2a1f3e4d5c6b"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		"bm9waXBl", // "nopipe"
		"YWJjfGlk", // "abc|id"
		"MTIzfA",   // "123|"
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursor_Admits(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: t0, ID: "m"}

	assert.True(t, c.Admits(t0.Add(-time.Second), "z"), "older items follow")
	assert.False(t, c.Admits(t0.Add(time.Second), "a"), "newer items precede")
	assert.True(t, c.Admits(t0, "a"), "same time, lower id follows")
	assert.False(t, c.Admits(t0, "m"), "the cursor item itself is excluded")
	assert.False(t, c.Admits(t0, "z"))

	var none *Cursor
	assert.True(t, none.Admits(t0, "x"))
}

func TestComputePage_NoMore(t *testing.T) {
	page := ComputePage([]string{"a", "b", "c"}, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page.Items, 3)
	assert.Empty(t, page.NextCursor)
	assert.False(t, page.HasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	page := ComputePage([]string{"d", "c", "b", "a"}, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Equal(t, []string{"d", "c", "b"}, page.Items)
	assert.True(t, page.HasMore)

	c, err := Decode(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	page := ComputePage([]string{"a", "b", "c"}, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page.Items, 3)
	assert.Empty(t, page.NextCursor)
	assert.False(t, page.HasMore)
}
