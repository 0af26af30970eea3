package locmux

import (
	"github.com/getlantern/systray"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"github.com/nik9play/locmux/pkg/icon"
	"github.com/nik9play/locmux/pkg/locmux/util"
)

func (lm *LocMux) initializeTray(onDone func()) {
	logger := lm.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.Logo, icon.Logo)
		systray.SetTitle("locmux")
		systray.SetTooltip("locmux")

		configTitle := lm.localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "EditConfigTitle",
				Other: "Edit configuration",
			},
		})
		configDescription := lm.localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "EditConfigDescription",
				Other: "Open config file with the default editor",
			},
		})
		editConfig := systray.AddMenuItem(configTitle, configDescription)
		editConfig.SetIcon(icon.EditConfigIcon)

		grantTitle := lm.localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "GrantAccessTitle",
				Other: "Allow location access",
			},
		})
		grantDescription := lm.localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "GrantAccessDescription",
				Other: "Let waiting requests use the GPS receiver",
			},
		})
		grant := systray.AddMenuItem(grantTitle, grantDescription)
		grant.SetIcon(icon.GrantIcon)

		revokeTitle := lm.localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "RevokeAccessTitle",
				Other: "Deny location access",
			},
		})
		revokeDescription := lm.localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "RevokeAccessDescription",
				Other: "Cancel running requests and keep the receiver off",
			},
		})
		revoke := systray.AddMenuItem(revokeTitle, revokeDescription)
		revoke.SetIcon(icon.RevokeIcon)

		if lm.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(lm.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()

		quitTitle := lm.localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "QuitTitle",
				Other: "Quit",
			},
		})
		quitDescription := lm.localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "QuitDescription",
				Other: "Stop locmux and quit",
			},
		})
		quit := systray.AddMenuItem(quitTitle, quitDescription)

		// wait on things to happen
		go func() {
			for {
				select {

				// quit
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					lm.signalStop()

				// edit config
				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if err := util.OpenExternal(logger, lm.config.Path()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				// grant the tier the config asks for
				case <-grant.ClickedCh:
					tier, ok := lm.config.Capabilities().PreferredTier()
					if !ok {
						logger.Warnw("Can't grant location access", "error", ErrNoCapabilityDeclared)
						continue
					}

					logger.Infow("Grant menu item clicked, granting location access", "tier", tier)

					if err := lm.authorization.Grant(tier); err != nil {
						logger.Warnw("Failed to grant location access", "error", err)
					}

				// revoke
				case <-revoke.ClickedCh:
					logger.Info("Revoke menu item clicked, denying location access")

					if err := lm.authorization.Revoke(); err != nil {
						logger.Warnw("Failed to revoke location access", "error", err)
					}
				}
			}
		}()

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (lm *LocMux) stopTray() {
	lm.logger.Debug("Quitting tray")
	systray.Quit()
}
