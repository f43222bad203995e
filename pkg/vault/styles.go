package vault

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed presets.toml
var presetCatalog []byte

type styleFile struct {
	Styles []StyleDescriptor `toml:"styles"`
}

// StyleCatalog manages immutable style descriptors. A descriptor's id
// is fixed to its content: registering the same id again with
// different parameters is rejected, and changed parameters get a new id.
type StyleCatalog struct {
	repo StyleRepository
	*settings
}

// NewStyleCatalog creates a StyleCatalog over repo.
func NewStyleCatalog(repo StyleRepository, options ...Option) (*StyleCatalog, error) {
	if repo == nil {
		return nil, fmt.Errorf("style repository is required")
	}
	s := newSettings(options)
	s.logger = s.logger.With("component", "styles")
	return &StyleCatalog{repo: repo, settings: s}, nil
}

// StyleID formats the id of version v of the named style.
func StyleID(name string, version int) string {
	return fmt.Sprintf("%s@v%d", name, version)
}

// Register stores style under StyleID(Name, Version), defaulting
// Version to 1. A caller-supplied ID must equal that id. If the id
// already exists with identical content the stored descriptor is
// returned; otherwise ErrConflictingState.
func (c *StyleCatalog) Register(ctx context.Context, style *StyleDescriptor) (*StyleDescriptor, error) {
	if strings.TrimSpace(style.Name) == "" {
		return nil, fmt.Errorf("%w: style name is required", ErrValidation)
	}
	if strings.ContainsAny(style.Name, "@+") {
		return nil, fmt.Errorf("%w: style name %q may not contain '@' or '+'", ErrValidation, style.Name)
	}
	if style.Version <= 0 {
		style.Version = 1
	}
	id := StyleID(style.Name, style.Version)
	if style.ID != "" && style.ID != id {
		return nil, fmt.Errorf("%w: style id %q does not match %q", ErrValidation, style.ID, id)
	}
	style.ID = id
	return c.register(ctx, style)
}

func (c *StyleCatalog) register(ctx context.Context, style *StyleDescriptor) (*StyleDescriptor, error) {
	if style.Parameters == nil {
		style.Parameters = map[string]string{}
	}
	style.CreatedAt = c.now()

	err := c.repo.CreateStyle(ctx, style)
	if err == nil {
		c.logger.InfoContext(ctx, "style registered", "style_id", style.ID)
		return style, nil
	}
	if !errors.Is(err, ErrConflictingState) {
		return nil, fmt.Errorf("failed to register style %s: %w", style.ID, err)
	}

	existing, getErr := c.repo.GetStyle(ctx, style.ID)
	if getErr != nil {
		return nil, fmt.Errorf("failed to read style %s: %w", style.ID, getErr)
	}
	if existing.Mood != style.Mood || !maps.Equal(existing.Parameters, style.Parameters) {
		return nil, fmt.Errorf("%w: style %s already exists with different parameters", ErrConflictingState, style.ID)
	}
	return existing, nil
}

// Get returns the descriptor with id.
func (c *StyleCatalog) Get(ctx context.Context, id string) (*StyleDescriptor, error) {
	style, err := c.repo.GetStyle(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get style %s: %w", id, err)
	}
	return style, nil
}

// List returns every registered descriptor ordered by id.
func (c *StyleCatalog) List(ctx context.Context) ([]*StyleDescriptor, error) {
	return c.repo.ListStyles(ctx)
}

// Derive returns a descriptor equal to base with overrides applied. The
// new id is base's id plus a short digest of the overrides, so the same
// preference overlay always resolves to the same descriptor.
func (c *StyleCatalog) Derive(ctx context.Context, baseID string, overrides map[string]string) (*StyleDescriptor, error) {
	base, err := c.Get(ctx, baseID)
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return base, nil
	}

	params := maps.Clone(base.Parameters)
	if params == nil {
		params = map[string]string{}
	}
	maps.Copy(params, overrides)
	if maps.Equal(params, base.Parameters) {
		return base, nil
	}

	return c.register(ctx, &StyleDescriptor{
		ID:         base.ID + "+" + overlayDigest(params),
		Name:       base.Name,
		Version:    base.Version,
		Mood:       base.Mood,
		Parameters: params,
	})
}

// LoadPresets registers the built-in studio, live, daily and creative
// styles.
func (c *StyleCatalog) LoadPresets(ctx context.Context) ([]*StyleDescriptor, error) {
	return c.Load(ctx, presetCatalog)
}

// LoadFile registers every style in a TOML catalog file.
func (c *StyleCatalog) LoadFile(ctx context.Context, path string) ([]*StyleDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style catalog: %w", err)
	}
	return c.Load(ctx, data)
}

// Load registers every style in a TOML document of [[styles]] tables.
func (c *StyleCatalog) Load(ctx context.Context, data []byte) ([]*StyleDescriptor, error) {
	var file styleFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: invalid style catalog: %v", ErrValidation, err)
	}
	styles := make([]*StyleDescriptor, 0, len(file.Styles))
	for i := range file.Styles {
		style, err := c.Register(ctx, &file.Styles[i])
		if err != nil {
			return nil, err
		}
		styles = append(styles, style)
	}
	return styles, nil
}

func overlayDigest(params map[string]string) string {
	h := sha256.New()
	for _, k := range slices.Sorted(maps.Keys(params)) {
		fmt.Fprintf(h, "%s=%s\n", k, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}
