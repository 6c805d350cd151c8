package shm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testName(t *testing.T) string {
	return fmt.Sprintf("guppi_shm_test_%s", t.Name())
}

func TestCreateThenAttachSharesMemory(t *testing.T) {
	name := testName(t)
	_ = Remove(name)
	t.Cleanup(func() { _ = Remove(name) })

	w, err := Create(name, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Detach() })

	copy(w.Bytes(), []byte("hello"))

	r, err := Attach(name, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Detach() })

	require.Equal(t, []byte("hello"), r.Slice(0, 5))
}

func TestCreateRejectsExisting(t *testing.T) {
	name := testName(t)
	_ = Remove(name)
	t.Cleanup(func() { _ = Remove(name) })

	w, err := Create(name, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Detach() })

	_, err = Create(name, 16)
	require.Error(t, err)
}

func TestCreateOrAttachResolvesRace(t *testing.T) {
	name := testName(t)
	_ = Remove(name)
	t.Cleanup(func() { _ = Remove(name) })

	first, err := CreateOrAttach(name, 32)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Detach() })

	second, err := CreateOrAttach(name, 32)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Detach() })

	copy(first.Bytes(), []byte("shared"))
	require.Equal(t, []byte("shared"), second.Slice(0, 6))
}
