// Package notify delivers short desktop notifications to the user running locmux
package notify

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier sends a titled message to the user
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier is a Notifier backed by the platform's notification daemon
type ToastNotifier struct {
	logger      *zap.SugaredLogger
	appIconPath string
}

// NewToastNotifier creates a ToastNotifier instance
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger, appIconPath: filepath.Join(os.TempDir(), "locmux.png")}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify pushes a notification, logging (but otherwise swallowing) any failure
func (tn *ToastNotifier) Notify(title string, message string) {
	if err := push(title, message, tn.appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

func push(title, message, appIconPath string) error {
	// beeep falls back to a generic icon when this one doesn't exist
	if _, err := os.Stat(appIconPath); err != nil {
		appIconPath = ""
	}

	if err := beeep.Notify(title, message, appIconPath); err != nil {
		return fmt.Errorf("push notification: %w", err)
	}

	return nil
}
