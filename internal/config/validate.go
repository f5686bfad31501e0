package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/AnandSundar/go-plantid/quota"
)

var validate = validator.New()

// Validate checks struct constraints and quota window syntax
func (c *Config) Validate() error {
	c.Store.Redis.Enabled = c.Store.Backend == "redis"

	if err := validate.Struct(c); err != nil {
		return err
	}

	if !c.Providers.PlantID.Enabled && !c.Providers.PlantNet.Enabled {
		return errors.New("at least one provider must be enabled")
	}

	for name, p := range map[string]ProviderConfig{
		"plant_id": c.Providers.PlantID,
		"plantnet": c.Providers.PlantNet,
	} {
		if !p.Enabled {
			continue
		}
		if _, err := quota.ParseWindows(p.Quotas); err != nil {
			return fmt.Errorf("providers.%s.quotas: %w", name, err)
		}
	}
	return nil
}
