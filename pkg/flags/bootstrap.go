package flags

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// bootstrapFile is the on-disk shape of the flag seed file.
type bootstrapFile struct {
	Flags []Flag `yaml:"flags"`
}

// LoadBootstrap reads a yaml flag seed file.
func LoadBootstrap(path string) ([]Flag, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("flags: read bootstrap %s: %w", path, err)
	}
	var file bootstrapFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("flags: parse bootstrap %s: %w", path, err)
	}
	for _, f := range file.Flags {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Flags, nil
}

// ApplyBootstrap upserts the seed flags: unknown names are created, known
// names have their definition replaced. Flags absent from the file are left
// alone so admin-created flags survive a reload.
func (e *Engine) ApplyBootstrap(ctx context.Context, seed []Flag) error {
	for _, f := range seed {
		var err error
		if _, exists := e.lookup(ctx, f.Name); exists {
			_, err = e.Update(ctx, f.Name, f)
		} else {
			_, err = e.Create(ctx, f)
		}
		if err != nil {
			return fmt.Errorf("flags: bootstrap %s: %w", f.Name, err)
		}
	}
	e.logger.Info().Int("count", len(seed)).Msg("flag bootstrap applied")
	return nil
}
