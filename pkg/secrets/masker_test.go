package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	m := NewMasker("hunter2", "x", "")
	m.Add("hunter2-admin")

	assert.Equal(t, "login *** ok", m.Redact("login hunter2 ok"))
	assert.Equal(t, "token ***", m.Redact("token hunter2-admin"))
	assert.Equal(t, "x marks the spot", m.Redact("x marks the spot"))
}

func TestRedactMultiline(t *testing.T) {
	m := NewMasker("-----BEGIN KEY-----\nc2VjcmV0\n-----END KEY-----")
	assert.Equal(t, "line ***", m.Redact("line c2VjcmV0"))
}

func TestWriterMasksSplitWrites(t *testing.T) {
	var out bytes.Buffer
	m := NewMasker("s3cr3t-token")
	w := m.Writer(&out)

	_, err := w.Write([]byte("pushing with s3cr3t-"))
	require.NoError(t, err)
	assert.Empty(t, out.String(), "partial lines stay buffered")

	_, err = w.Write([]byte("token\nnext"))
	require.NoError(t, err)

	m.Add("next")
	require.NoError(t, w.Flush())

	assert.Equal(t, "pushing with ***\n***\n", out.String())
}
