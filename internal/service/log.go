package service

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func logger(component string) *zerolog.Logger {
	l := log.With().Str("component", component).Logger()
	return &l
}
