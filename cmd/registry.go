package cmd

import (
	"log"

	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/plugins/fileinfo"
	"github.com/Ashfaaq98/analyzerkit/plugins/geoip"
	"github.com/Ashfaaq98/analyzerkit/plugins/misp"
	"github.com/Ashfaaq98/analyzerkit/plugins/opencti"
	"github.com/Ashfaaq98/analyzerkit/plugins/whois"
)

// builtinRegistry registers the analyzers compiled into the binary.
func builtinRegistry(logger *log.Logger) *plugins.Registry {
	return plugins.NewRegistry(logger).MustRegister(
		fileinfo.Plugin(),
		geoip.Plugin(),
		misp.Plugin(),
		opencti.Plugin(),
		whois.Plugin(),
	)
}
