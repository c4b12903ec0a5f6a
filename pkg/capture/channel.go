// Package capture implements the two trace capture backends: the MITM
// proxy and the LD_PRELOAD agent listener. Both emit completed traces on a
// bounded channel consumed by the UI loop.
package capture

import (
	"github.com/rs/zerolog"

	"github.com/epli2/phantom/pkg/trace"
)

// ChannelCapacity bounds the capture channel. Emission never blocks: when
// the consumer falls behind, the newest trace is dropped with a warning.
const ChannelCapacity = 4096

func sendTrace(ch chan<- *trace.HttpTrace, t *trace.HttpTrace, log zerolog.Logger) {
	select {
	case ch <- t:
	default:
		log.Warn().Str("url", t.URL).Msg("trace channel full, dropping trace")
	}
}

func sendMysqlTrace(ch chan<- *trace.MysqlTrace, t *trace.MysqlTrace, log zerolog.Logger) {
	select {
	case ch <- t:
	default:
		log.Warn().Msg("mysql trace channel full, dropping trace")
	}
}
