package vault_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/pkg/vault"
)

func TestStyleCatalogPresets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	styles, err := f.Styles.List(ctx)
	require.NoError(t, err)
	ids := make([]string, len(styles))
	for i, style := range styles {
		ids[i] = style.ID
	}
	assert.Equal(t, []string{"creative@v1", "daily@v1", "live@v1", "studio@v1"}, ids)

	studio, err := f.Styles.Get(ctx, "studio@v1")
	require.NoError(t, err)
	assert.Equal(t, "studio", studio.Name)
	assert.Equal(t, 1, studio.Version)
	assert.Equal(t, "polished", studio.Mood)
	assert.Equal(t, "warm", studio.Parameters["color_grade"])

	// Loading again finds identical descriptors and succeeds.
	_, err = f.Styles.LoadPresets(ctx)
	assert.NoError(t, err)

	_, err = f.Styles.Get(ctx, "studio@v9")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestStyleCatalogRegister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("assigns id and version", func(t *testing.T) {
		style, err := f.Styles.Register(ctx, &vault.StyleDescriptor{
			Name:       "lofi",
			Parameters: map[string]string{"grain": "heavy"},
		})
		require.NoError(t, err)
		assert.Equal(t, "lofi@v1", style.ID)
		assert.Equal(t, 1, style.Version)
	})

	t.Run("identical content returns the stored descriptor", func(t *testing.T) {
		style, err := f.Styles.Register(ctx, &vault.StyleDescriptor{
			Name:       "lofi",
			Parameters: map[string]string{"grain": "heavy"},
		})
		require.NoError(t, err)
		assert.Equal(t, "lofi@v1", style.ID)
	})

	t.Run("changed parameters need a new version", func(t *testing.T) {
		_, err := f.Styles.Register(ctx, &vault.StyleDescriptor{
			Name:       "lofi",
			Parameters: map[string]string{"grain": "light"},
		})
		assert.ErrorIs(t, err, vault.ErrConflictingState)

		style, err := f.Styles.Register(ctx, &vault.StyleDescriptor{
			Name:       "lofi",
			Version:    2,
			Parameters: map[string]string{"grain": "light"},
		})
		require.NoError(t, err)
		assert.Equal(t, "lofi@v2", style.ID)
	})

	t.Run("id must follow name and version", func(t *testing.T) {
		for _, id := range []string{"studio@v1", "lofi@v9", "lofi@v1+deadbeef", "anything"} {
			_, err := f.Styles.Register(ctx, &vault.StyleDescriptor{
				ID:         id,
				Name:       "lofi",
				Parameters: map[string]string{"grain": "heavy"},
			})
			assert.ErrorIs(t, err, vault.ErrValidation, "id %q", id)
		}

		style, err := f.Styles.Register(ctx, &vault.StyleDescriptor{
			ID:         "lofi@v2",
			Name:       "lofi",
			Version:    2,
			Parameters: map[string]string{"grain": "light"},
		})
		require.NoError(t, err)
		assert.Equal(t, "lofi@v2", style.ID)

		studio, err := f.Styles.Get(ctx, "studio@v1")
		require.NoError(t, err)
		assert.Equal(t, "polished", studio.Mood)
	})

	t.Run("invalid names", func(t *testing.T) {
		for _, name := range []string{"", "  ", "lofi@v3", "studio+x"} {
			_, err := f.Styles.Register(ctx, &vault.StyleDescriptor{Name: name})
			assert.ErrorIs(t, err, vault.ErrValidation, "name %q", name)
		}
	})
}

func TestStyleCatalogDerive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	derived, err := f.Styles.Derive(ctx, "studio@v1", map[string]string{"color_grade": "cool"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(derived.ID, "studio@v1+"))
	assert.Len(t, derived.ID, len("studio@v1+")+8)
	assert.Equal(t, "cool", derived.Parameters["color_grade"])
	assert.Equal(t, "clean", derived.Parameters["transition_style"])
	assert.Equal(t, "studio", derived.Name)

	again, err := f.Styles.Derive(ctx, "studio@v1", map[string]string{"color_grade": "cool"})
	require.NoError(t, err)
	assert.Equal(t, derived.ID, again.ID)

	other, err := f.Styles.Derive(ctx, "studio@v1", map[string]string{"color_grade": "mono"})
	require.NoError(t, err)
	assert.NotEqual(t, derived.ID, other.ID)

	base, err := f.Styles.Derive(ctx, "studio@v1", nil)
	require.NoError(t, err)
	assert.Equal(t, "studio@v1", base.ID)

	unchanged, err := f.Styles.Derive(ctx, "studio@v1", map[string]string{"color_grade": "warm"})
	require.NoError(t, err)
	assert.Equal(t, "studio@v1", unchanged.ID)

	stored, err := f.Styles.Get(ctx, derived.ID)
	require.NoError(t, err)
	assert.Equal(t, derived.Parameters, stored.Parameters)

	_, err = f.Styles.Derive(ctx, "missing@v1", map[string]string{"a": "b"})
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestStyleCatalogLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("catalog file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "styles.toml")
		catalog := `
[[styles]]
name = "vinyl"
version = 3
mood = "nostalgic"
[styles.parameters]
color_grade = "sepia"
`
		require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))

		styles, err := f.Styles.LoadFile(ctx, path)
		require.NoError(t, err)
		require.Len(t, styles, 1)
		assert.Equal(t, "vinyl@v3", styles[0].ID)
		assert.Equal(t, "sepia", styles[0].Parameters["color_grade"])
	})

	t.Run("malformed document", func(t *testing.T) {
		_, err := f.Styles.Load(ctx, []byte("[[styles]\nname = "))
		assert.ErrorIs(t, err, vault.ErrValidation)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := f.Styles.LoadFile(ctx, filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})
}
