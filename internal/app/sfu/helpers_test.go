package sfu

import "github.com/rs/zerolog"

func zerologNop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
