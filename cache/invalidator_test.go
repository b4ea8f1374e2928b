package cache

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, m Message) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func TestInvalidator_ApplyPattern(t *testing.T) {
	c := New()
	require.NoError(t, c.Store("/products", nil, json.RawMessage(`1`), 0))
	require.NoError(t, c.Store("/vendors", nil, json.RawMessage(`1`), 0))

	iv := NewInvalidator(c, nil, zerolog.Nop())
	assert.True(t, iv.apply(payload(t, Message{Origin: "other", Pattern: "/products"})))

	_, ok := c.Lookup("/products", nil)
	assert.False(t, ok)
	_, ok = c.Lookup("/vendors", nil)
	assert.True(t, ok)
}

func TestInvalidator_ApplyAll(t *testing.T) {
	c := New()
	require.NoError(t, c.Store("/products", nil, json.RawMessage(`1`), 0))

	iv := NewInvalidator(c, nil, zerolog.Nop())
	assert.True(t, iv.apply(payload(t, Message{Origin: "other", All: true})))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestInvalidator_IgnoresOwnAndMalformed(t *testing.T) {
	c := New()
	require.NoError(t, c.Store("/products", nil, json.RawMessage(`1`), 0))
	iv := NewInvalidator(c, nil, zerolog.Nop())

	assert.False(t, iv.apply(payload(t, Message{Origin: iv.ID(), Pattern: "/products"})))
	assert.False(t, iv.apply("{not json"))
	assert.False(t, iv.apply(payload(t, Message{Origin: "other"})))

	assert.Equal(t, 1, c.Stats().Entries)
}

func TestInvalidator_PublishOnlyProcess(t *testing.T) {
	iv := NewInvalidator(nil, nil, zerolog.Nop())
	assert.False(t, iv.apply(payload(t, Message{Origin: "other", All: true})))
	assert.NotEmpty(t, iv.ID())
	assert.NoError(t, iv.Close())
	assert.NoError(t, iv.Close())
}
