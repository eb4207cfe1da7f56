package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	m, err := New([]Kind{
		{Name: "instance", Bases: []string{"resource"}, Properties: []Property{
			{Name: "instance_cores", Kind: KindInt64},
			{Name: "instance_memory", Kind: KindDouble},
			{Name: "instance_status", Kind: KindString},
			{Name: "network", Kind: "network_config"},
		}},
		{Name: "network_config", Properties: []Property{
			{Name: "cidr", Kind: KindString},
			{Name: "public", Kind: KindBoolean},
		}},
		{Name: "volume", Bases: []string{"resource"}, Properties: []Property{
			{Name: "volume_size", Kind: KindInt64},
			{Name: "volume_encrypted", Kind: KindBoolean},
		}},
	})
	require.NoError(t, err)
	return m
}

func TestKindByPath(t *testing.T) {
	m := testModel(t)

	assert.Equal(t, KindInt64, m.KindByPath("instance_cores"))
	assert.Equal(t, KindInt64, m.KindByPath("reported.instance_cores"), "section qualifier is stripped")
	assert.Equal(t, KindString, m.KindByPath("network.cidr"), "nested complex kinds flatten")
	assert.Equal(t, KindString, m.KindByPath("name"), "base resource properties resolve")
	assert.Equal(t, KindAny, m.KindByPath("no.such.path"))
	assert.Equal(t, KindBoolean, m.KindByPath("volume_encrypted"))
}

func TestUpsertValidation(t *testing.T) {
	m := Default()

	assert.Error(t, m.Upsert([]Kind{{Name: "a", Bases: []string{"missing"}}}))
	assert.Error(t, m.Upsert([]Kind{{Name: "string"}}), "simple kinds are reserved")

	err := m.Upsert([]Kind{
		{Name: "a", Bases: []string{"b"}},
		{Name: "b", Bases: []string{"a"}},
	})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	// failed upserts leave the registry untouched
	_, ok := m.Kind("a")
	assert.False(t, ok)
}

func TestCoerce(t *testing.T) {
	m := testModel(t)

	v, err := m.Coerce("instance_cores", "4")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	v, err = m.Coerce("instance_cores", 4.0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	_, err = m.Coerce("instance_cores", 4.5)
	assert.Error(t, err)

	v, err = m.Coerce("instance_memory", int64(16))
	require.NoError(t, err)
	assert.Equal(t, 16.0, v)

	v, err = m.Coerce("volume_encrypted", "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = m.Coerce("instance_status", 42)
	assert.Error(t, err)

	v, err = m.Coerce("ctime", "2026-03-01 10:00:00")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T10:00:00Z", v)

	v, err = m.Coerce("unknown_prop", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, v, "unknown paths pass through")

	v, err = m.Coerce("instance_cores", []any{int64(1), "2"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, v, "list values coerce element-wise")
}

func TestStripAccessors(t *testing.T) {
	assert.Equal(t, "a.b", stripAccessors("a[*].b"))
	assert.Equal(t, "a", stripAccessors("a[3]"))
	assert.Equal(t, "plain", stripAccessors("plain"))
}
