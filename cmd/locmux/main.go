package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nik9play/locmux/pkg/locmux"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLocMux creates the logger and the locmux instance every command works with
func newLocMux() (*locmux.LocMux, *zap.SugaredLogger, error) {
	logger, err := locmux.NewLogger(buildType, verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	lm, err := locmux.NewLocMux(logger, verbose, configPath)
	if err != nil {
		named.Errorw("Failed to create locmux object", "error", err)
		return nil, nil, fmt.Errorf("create locmux: %w", err)
	}

	// if injected by build process, set version info to show up in the tray
	if versionString := versionString(); versionString != "" {
		lm.SetVersion(versionString)
	}

	return lm, named, nil
}

func versionString() string {
	if buildType == "" || (versionTag == "" && gitCommit == "") {
		return ""
	}

	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}

	return fmt.Sprintf("Version %s-%s", buildType, identifier)
}
