package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactsync/internal/domain/directory"
)

type stubReader struct {
	directory.Reader
	v   directory.Version
	err error
}

func (s *stubReader) Version(context.Context) (directory.Version, error) {
	return s.v, s.err
}

func TestDirectoryWatcher_NotifiesOnChangeOnly(t *testing.T) {
	r := &stubReader{v: directory.Version{Entries: 3, UpdatedAt: time.Unix(100, 0)}}
	w := NewDirectoryWatcher(nil, r)

	var seen []directory.Version
	w.OnChange(func(v directory.Version) { seen = append(seen, v) })

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Empty(t, seen, "initial load is not a change")
	assert.Equal(t, int64(3), w.Version().Entries)

	changed, err := w.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	r.v = directory.Version{Entries: 2, UpdatedAt: time.Unix(100, 0)}
	changed, err = w.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	r.v = directory.Version{Entries: 2, UpdatedAt: time.Unix(200, 0)}
	_, err = w.Refresh(context.Background())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, int64(2), seen[0].Entries)
	assert.Equal(t, time.Unix(200, 0), seen[1].UpdatedAt)
}

func TestDirectoryWatcher_ListenerPanicIsContained(t *testing.T) {
	r := &stubReader{v: directory.Version{Entries: 1}}
	w := NewDirectoryWatcher(nil, r)

	called := false
	w.OnChange(func(directory.Version) { panic("boom") })
	w.OnChange(func(directory.Version) { called = true })

	_, err := w.Refresh(context.Background())
	require.NoError(t, err)
	r.v.Entries = 5

	assert.NotPanics(t, func() {
		_, err = w.Refresh(context.Background())
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestDirectoryWatcher_StartFailsWhenReaderDown(t *testing.T) {
	w := NewDirectoryWatcher(nil, &stubReader{err: errors.New("db down")})

	err := w.Start(context.Background())
	assert.Error(t, err)
}
