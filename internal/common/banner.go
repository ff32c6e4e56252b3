package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the resolved endpoints
func PrintBanner(config *Config, logger arbor.ILogger) {
	b := banner.New().SetStyle(banner.StyleDouble).SetWidth(72)
	b.PrintTopLine()
	b.PrintCenteredText("VELLUM")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", GetFullVersion(), 12)
	b.PrintKeyValue("Engine", config.Engine.BaseURL, 12)
	b.PrintKeyValue("Outputs", config.Storage.Filesystem.Primary, 12)
	b.PrintKeyValue("Environment", config.Environment, 12)
	b.PrintBottomLine()

	logger.Info().
		Str("version", GetFullVersion()).
		Str("engine", config.Engine.BaseURL).
		Str("outputs", config.Storage.Filesystem.Primary).
		Str("environment", config.Environment).
		Msg("Vellum starting")
}
