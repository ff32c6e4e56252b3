package state

import (
	"time"

	"github.com/ternarybob/vellum/internal/common"
)

// NewConfig reads the debounce windows and the remaining-override TTL from the application config
func NewConfig(cfg *common.Config) Config {
	return Config{
		ProgressDebounce: common.Duration(cfg.Jobs.ProgressDebounce, 400*time.Millisecond),
		PreviewDebounce:  common.Duration(cfg.Jobs.PreviewDebounce, 500*time.Millisecond),
		RemainingTTL:     common.Duration(cfg.Queue.RemainingTTL, 10*time.Second),
	}
}
