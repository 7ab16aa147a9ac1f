package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)

	m, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: "/trackers/"})
	require.NoError(t, err)
	require.Equal(t, "trackers/", m.prefix)

	m, err = New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Empty(t, m.prefix)
}
