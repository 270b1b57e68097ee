package main

import (
	"github.com/anoixa/product-images/cmd"
	"github.com/anoixa/product-images/config"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Info().Str("version", config.Version).Str("commit", config.CommitHash).Msg("product-images")
	cmd.Execute()
}
